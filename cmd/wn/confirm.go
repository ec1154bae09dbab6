package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"worknode/internal/app"
	"worknode/internal/confirm"
	"worknode/internal/domain"
	"worknode/internal/engine"
	"worknode/internal/lifecycle"
)

func confirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Issue and list confirmations",
	}
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a confirmation for a proposed change",
	}
	issue.AddCommand(confirmIssueStatusCmd())
	issue.AddCommand(confirmIssueRelationCmd())
	issue.AddCommand(confirmIssueGroupCmd())
	issue.AddCommand(confirmIssueDecomposeCmd())
	cmd.AddCommand(issue)
	cmd.AddCommand(confirmListCmd())
	return cmd
}

func issueAndPrint(cmd *cobra.Command, subject string, change domain.ProposedChange) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
		c, err := ws.Engine.IssueConfirmation(ctx, confirm.IssueRequest{Subject: subject, Actor: actor, Change: change})
		if err != nil {
			return err
		}
		return printConfirmations(c, []domain.Confirmation{c})
	})
}

func confirmIssueStatusCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "status <node-id>",
		Short: "Propose a status change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sc domain.StatusChange
			var err error
			if sc.To, err = lifecycle.Parse(to); err != nil {
				return err
			}
			if from != "" {
				if sc.From, err = lifecycle.Parse(from); err != nil {
					return err
				}
			}
			return issueAndPrint(cmd, args[0], sc)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&from, "from", "", "expected current status (default: the node's status now)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func confirmIssueRelationCmd() *cobra.Command {
	var to, relType string
	cmd := &cobra.Command{
		Use:   "relation <from-node-id>",
		Short: "Propose a relation between two nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueAndPrint(cmd, args[0], domain.RelationChange{FromNodeID: args[0], ToNodeID: to, RelationType: relType})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target node id")
	cmd.Flags().StringVar(&relType, "type", "", "relation type, e.g. blocks or relates_to")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func confirmIssueGroupCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "group <node-id> <node-id>...",
		Short: "Propose grouping nodes under a label",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueAndPrint(cmd, args[0], domain.GroupingChange{NodeIDs: args, Label: label})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "group label")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

// decomposeFile is the YAML form accepted by --file.
type decomposeFile struct {
	Children []struct {
		Title   string `yaml:"title"`
		Context string `yaml:"context"`
		Status  string `yaml:"status"`
	} `yaml:"children"`
}

func confirmIssueDecomposeCmd() *cobra.Command {
	var (
		titles []string
		file   string
	)
	cmd := &cobra.Command{
		Use:   "decompose <parent-id>",
		Short: "Propose splitting a node into children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dc := domain.DecompositionChange{ParentNodeID: args[0]}
			for _, t := range titles {
				dc.Children = append(dc.Children, domain.ChildSpec{Title: t})
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				var f decomposeFile
				if err := yaml.Unmarshal(data, &f); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
				for _, c := range f.Children {
					spec := domain.ChildSpec{Title: c.Title, Context: c.Context}
					if c.Status != "" {
						if spec.InitialStatus, err = lifecycle.Parse(c.Status); err != nil {
							return err
						}
					}
					dc.Children = append(dc.Children, spec)
				}
			}
			return issueAndPrint(cmd, args[0], dc)
		},
	}
	cmd.Flags().StringArrayVar(&titles, "child", nil, "child title (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "YAML file with a children list")
	return cmd
}

func confirmListCmd() *cobra.Command {
	var (
		subject string
		pending bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List confirmations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				list, err := ws.Engine.ListConfirmations(ctx, subject, pending)
				if err != nil {
					return err
				}
				return printConfirmations(list, list)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "only confirmations for this node")
	cmd.Flags().BoolVar(&pending, "pending", false, "only unconsumed confirmations")
	return cmd
}

func printConfirmations(v any, list []domain.Confirmation) error {
	rows := make([]table.Row, 0, len(list))
	for _, c := range list {
		state := "pending"
		if c.Consumed {
			state = "consumed"
		}
		rows = append(rows, table.Row{c.ID, c.Change.Kind(), c.SubjectNodeID, c.ActorID, state, c.ExpiresAt})
	}
	return printTable(v, table.Row{"ID", "Type", "Subject", "Issuer", "State", "Expires"}, rows)
}

func applyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a confirmed change",
	}
	cmd.AddCommand(applyStatusCmd())
	cmd.AddCommand(applyRelationCmd())
	cmd.AddCommand(applyGroupCmd())
	cmd.AddCommand(applyDecomposeCmd())
	return cmd
}

func applyStatusCmd() *cobra.Command {
	var to, reason string
	cmd := &cobra.Command{
		Use:   "status <node-id> <confirmation-id>",
		Short: "Apply a confirmed status change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			target, err := lifecycle.Parse(to)
			if err != nil {
				return err
			}
			req := engine.StatusChangeRequest{NodeID: args[0], ConfirmationID: args[1], To: target, Reason: reason, Actor: actor}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.ApplyStatusChange(ctx, req)
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				rows := []table.Row{{res.NodeID, res.From, res.To, res.Changed, cascadeCount(res.Cascade)}}
				return printTable(res, table.Row{"Node", "From", "To", "Changed", "Cascaded"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status, must match the confirmation")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in history")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func cascadeCount(c *engine.CascadeResult) int {
	if c == nil {
		return 0
	}
	return c.UpdatedCount
}

func applyRelationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relation <confirmation-id>",
		Short: "Apply a confirmed relation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.ApplyRelationDiff(ctx, args[0], actor)
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				r := res.Relation
				return printTable(res, table.Row{"ID", "From", "Type", "To"}, []table.Row{{r.ID, r.FromNodeID, r.RelationType, r.ToNodeID}})
			})
		},
	}
}

func applyGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "group <confirmation-id>",
		Short: "Apply a confirmed grouping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.ApplyGroupingDiff(ctx, args[0], actor)
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				return printTable(res, table.Row{"Group", "Label", "Members"}, []table.Row{{res.GroupID, res.Label, res.MemberCount}})
			})
		},
	}
}

func applyDecomposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decompose <confirmation-id>",
		Short: "Apply a confirmed decomposition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.ApplyDecompositionDiff(ctx, args[0], actor)
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				rows := make([]table.Row, 0, len(res.CreatedChildren))
				for _, c := range res.CreatedChildren {
					rows = append(rows, table.Row{res.ParentNodeID, c.ID, c.Title})
				}
				return printTable(res, table.Row{"Parent", "Child", "Title"}, rows)
			})
		},
	}
}

func cascadeCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "cascade <node-id>",
		Short: "Move every descendant of a node to a cascade status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			target, err := lifecycle.Parse(to)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.CascadeStatus(ctx, args[0], target, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(res.UpdatedIDs))
				for _, id := range res.UpdatedIDs {
					rows = append(rows, table.Row{id, res.Target})
				}
				return printTable(res, table.Row{"Node", "Status"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "done, cooling, dormant or cancelled")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
