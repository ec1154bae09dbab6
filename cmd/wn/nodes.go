package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worknode/internal/app"
	"worknode/internal/domain"
	"worknode/internal/engine"
	"worknode/internal/lifecycle"
	"worknode/internal/repo"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Create, inspect and rearrange nodes",
	}
	cmd.AddCommand(nodeCreateCmd())
	cmd.AddCommand(nodeListCmd())
	cmd.AddCommand(nodeShowCmd())
	cmd.AddCommand(nodeUpdateCmd())
	cmd.AddCommand(nodeTreeCmd())
	cmd.AddCommand(nodeMoveCmd())
	cmd.AddCommand(nodeTransitionsCmd())
	cmd.AddCommand(nodeEstimateCmd())
	cmd.AddCommand(nodeHistoryCmd())
	cmd.AddCommand(nodeRelationsCmd())
	cmd.AddCommand(nodeGroupsCmd())
	return cmd
}

func nodeCreateCmd() *cobra.Command {
	var (
		title, nodeContext, parent, status, due string
		temperature                             float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			opts := engine.NodeCreateOptions{
				Title:       title,
				Context:     nodeContext,
				ParentID:    parent,
				Temperature: temperature,
				DueDate:     due,
				Actor:       actor,
			}
			if status != "" {
				if opts.Status, err = lifecycle.Parse(status); err != nil {
					return err
				}
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				n, err := ws.Engine.CreateNode(ctx, opts)
				if err != nil {
					return err
				}
				return printNodes(n, []domain.Node{n})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&nodeContext, "context", "", "free-form context")
	cmd.Flags().StringVar(&parent, "parent", "", "parent node id")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default captured)")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "temperature between 0 and 1")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or phrases like 'next friday')")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func nodeListCmd() *cobra.Command {
	var (
		statuses, parent string
		roots, active    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes owned by the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.NodeListOptions{OwnerID: viper.GetString("actor-id"), ActiveOnly: active}
			for _, raw := range splitList(statuses) {
				s, err := lifecycle.Parse(raw)
				if err != nil {
					return err
				}
				opts.Statuses = append(opts.Statuses, s)
			}
			switch {
			case roots:
				empty := ""
				opts.ParentID = &empty
			case parent != "":
				opts.ParentID = &parent
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				nodes, err := ws.Engine.ListNodes(ctx, opts)
				if err != nil {
					return err
				}
				return printNodes(nodes, nodes)
			})
		},
	}
	cmd.Flags().StringVar(&statuses, "status", "", "comma separated statuses")
	cmd.Flags().StringVar(&parent, "parent", "", "only children of this node")
	cmd.Flags().BoolVar(&roots, "roots", false, "only root nodes")
	cmd.Flags().BoolVar(&active, "active", false, "hide dormant and terminal nodes")
	return cmd
}

func nodeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				n, err := ws.Engine.GetNode(ctx, args[0])
				if err != nil {
					return err
				}
				return printNodes(n, []domain.Node{n})
			})
		},
	}
}

func nodeUpdateCmd() *cobra.Command {
	var (
		title, nodeContext, due string
		temperature             float64
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a node's title, context, temperature or due date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			var u repo.NodeUpdate
			if cmd.Flags().Changed("title") {
				u.Title = &title
			}
			if cmd.Flags().Changed("context") {
				u.Context = &nodeContext
			}
			if cmd.Flags().Changed("temperature") {
				u.Temperature = &temperature
			}
			if cmd.Flags().Changed("due") {
				u.DueDate = &due
			}
			if u.Empty() {
				return fmt.Errorf("nothing to update")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				n, err := ws.Engine.UpdateNode(ctx, args[0], u, actor)
				if err != nil {
					return err
				}
				return printNodes(n, []domain.Node{n})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&nodeContext, "context", "", "new context")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "new temperature")
	cmd.Flags().StringVar(&due, "due", "", "new due date; empty clears it")
	return cmd
}

func nodeTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Print the node forest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				roots, err := ws.Engine.Tree(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roots)
				}
				for _, r := range roots {
					fmt.Printf("%s [%s] %s\n", r.Node.ID, r.Node.Status, r.Node.Title)
					printTree(r.Children, "")
				}
				return nil
			})
		},
	}
}

func printTree(children []engine.TreeNode, prefix string) {
	for i, c := range children {
		last := i == len(children)-1
		connector, next := "├── ", "│   "
		if last {
			connector, next = "└── ", "    "
		}
		fmt.Printf("%s%s%s [%s] %s\n", prefix, connector, c.Node.ID, c.Node.Status, c.Node.Title)
		if c.Truncated {
			fmt.Printf("%s%s…\n", prefix, next)
		}
		printTree(c.Children, prefix+next)
	}
}

func nodeMoveCmd() *cobra.Command {
	var (
		parent, order string
		root          bool
	)
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Reparent or reorder a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			if !root && parent == "" {
				return fmt.Errorf("either --parent or --root is required")
			}
			req := engine.MoveRequest{NodeID: args[0], Actor: actor, OrderedSiblingIDs: splitList(order)}
			if !root {
				req.NewParentID = &parent
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.MoveNode(ctx, req); err != nil {
					return err
				}
				n, err := ws.Engine.GetNode(ctx, args[0])
				if err != nil {
					return err
				}
				return printNodes(n, []domain.Node{n})
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "new parent id")
	cmd.Flags().BoolVar(&root, "root", false, "move to the root level")
	cmd.Flags().StringVar(&order, "order", "", "comma separated sibling ids in their new order")
	return cmd
}

func nodeTransitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions <id>",
		Short: "List statuses the node may move to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				valid, err := ws.Engine.GetValidTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(valid))
				for _, s := range valid {
					rows = append(rows, table.Row{s})
				}
				return printTable(valid, table.Row{"Valid transitions"}, rows)
			})
		},
	}
}

func nodeEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <id> <text>",
		Short: "Suggest a status from free text",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				est, err := ws.Engine.EstimateStatus(ctx, args[0], text)
				if err != nil {
					return err
				}
				suggested := "-"
				if est.Suggested != nil {
					suggested = string(*est.Suggested)
				}
				return printTable(est, table.Row{"Current", "Suggested"}, []table.Row{{est.Current, suggested}})
			})
		},
	}
}

func nodeHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a node's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				entries, err := ws.Engine.GetHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(entries))
				for _, h := range entries {
					conf := ""
					if h.ConfirmationID != nil {
						conf = *h.ConfirmationID
					}
					rows = append(rows, table.Row{h.CreatedAt, h.FromStatus, h.ToStatus, h.Provenance, conf, h.Reason})
				}
				return printTable(entries, table.Row{"At", "From", "To", "Provenance", "Confirmation", "Reason"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}

func nodeRelationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relations <id>",
		Short: "List relations touching a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				rels, err := ws.Engine.ListRelationsFor(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(rels))
				for _, r := range rels {
					rows = append(rows, table.Row{r.ID, r.FromNodeID, r.RelationType, r.ToNodeID})
				}
				return printTable(rels, table.Row{"ID", "From", "Type", "To"}, rows)
			})
		},
	}
}

func nodeGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups <id>",
		Short: "List groups a node belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				groups, err := ws.Engine.ListGroupsFor(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(groups))
				for _, g := range groups {
					rows = append(rows, table.Row{g.ID, g.Label, strings.Join(g.Members, ", ")})
				}
				return printTable(groups, table.Row{"ID", "Label", "Members"}, rows)
			})
		},
	}
}

func printNodes(v any, nodes []domain.Node) error {
	rows := make([]table.Row, 0, len(nodes))
	for _, n := range nodes {
		parent, due := "", ""
		if n.ParentID != nil {
			parent = *n.ParentID
		}
		if n.DueDate != nil {
			due = *n.DueDate
		}
		rows = append(rows, table.Row{n.ID, n.Title, n.Status, parent, n.SiblingOrder, due})
	}
	return printTable(v, table.Row{"ID", "Title", "Status", "Parent", "Order", "Due"}, rows)
}
