package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"worknode/internal/confirm"
	"worknode/internal/domain"
	"worknode/internal/engine"
	"worknode/internal/lifecycle"
	"worknode/internal/repo"
)

type nodePath struct {
	ID string `path:"id"`
}

type confirmationPath struct {
	ID string `path:"id"`
}

func registerNodes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-node",
		Method:        http.MethodPost,
		Path:          "/nodes",
		Summary:       "Create node",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateNodeRequest
	}) (*output[domain.Node], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.NodeCreateOptions{Title: input.Body.Title, Actor: actor}
		if input.Body.Context != nil {
			opts.Context = *input.Body.Context
		}
		if input.Body.ParentID != nil {
			opts.ParentID = *input.Body.ParentID
		}
		if input.Body.Status != nil {
			opts.Status = lifecycle.Status(*input.Body.Status)
		}
		if input.Body.Temperature != nil {
			opts.Temperature = *input.Body.Temperature
		}
		if input.Body.DueDate != nil {
			opts.DueDate = *input.Body.DueDate
		}
		n, err := e.CreateNode(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(n), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-nodes",
		Method:      http.MethodGet,
		Path:        "/nodes",
		Summary:     "List the caller's nodes",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" doc:"comma separated statuses"`
		ParentID string `query:"parent_id"`
		Roots    bool   `query:"roots" doc:"only root-level nodes"`
		Active   bool   `query:"active" doc:"only the active working set"`
	}) (*output[[]domain.Node], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.NodeListOptions{OwnerID: actor.ID, ActiveOnly: input.Active}
		for _, s := range strings.Split(input.Status, ",") {
			if s = strings.TrimSpace(s); s != "" {
				opts.Statuses = append(opts.Statuses, lifecycle.Status(s))
			}
		}
		switch {
		case input.Roots:
			root := ""
			opts.ParentID = &root
		case input.ParentID != "":
			opts.ParentID = &input.ParentID
		}
		nodes, err := e.ListNodes(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nodes), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "node-tree",
		Method:      http.MethodGet,
		Path:        "/nodes/tree",
		Summary:     "Display tree of the caller's nodes",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[[]engine.TreeNode], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		trees, err := e.Tree(ctx, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(trees), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-node",
		Method:      http.MethodGet,
		Path:        "/nodes/{id}",
		Summary:     "Get node",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *nodePath) (*output[domain.Node], error) {
		n, err := e.GetNode(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(n), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-node",
		Method:      http.MethodPatch,
		Path:        "/nodes/{id}",
		Summary:     "Edit node fields",
		Description: "Status cannot be changed here; use a confirmation.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateNodeRequest
	}) (*output[domain.Node], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.UpdateNode(ctx, input.ID, repo.NodeUpdate{
			Title:       input.Body.Title,
			Context:     input.Body.Context,
			Temperature: input.Body.Temperature,
			DueDate:     input.Body.DueDate,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(n), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-node",
		Method:      http.MethodPost,
		Path:        "/nodes/{id}/move",
		Summary:     "Reparent or reorder a node",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body MoveNodeRequest
	}) (*output[domain.Node], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		err := e.MoveNode(ctx, engine.MoveRequest{
			NodeID:            input.ID,
			NewParentID:       input.Body.NewParentID,
			OrderedSiblingIDs: input.Body.OrderedSiblingIDs,
			Actor:             actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		n, err := e.GetNode(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(n), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "node-history",
		Method:      http.MethodGet,
		Path:        "/nodes/{id}/history",
		Summary:     "Node audit trail, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*output[historyList], error) {
		items, err := e.GetHistory(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(historyList{Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "node-relations",
		Method:      http.MethodGet,
		Path:        "/nodes/{id}/relations",
		Summary:     "Relations touching a node",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *nodePath) (*output[[]domain.Relation], error) {
		rels, err := e.ListRelationsFor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rels), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "node-groups",
		Method:      http.MethodGet,
		Path:        "/nodes/{id}/groups",
		Summary:     "Groups a node belongs to",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *nodePath) (*output[[]domain.Group], error) {
		groups, err := e.ListGroupsFor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if groups == nil {
			groups = []domain.Group{}
		}
		return reply(groups), nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "node-transitions",
		Method:      http.MethodGet,
		Path:        "/nodes/{id}/transitions",
		Summary:     "Valid next statuses",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *nodePath) (*output[TransitionsResponse], error) {
		n, err := e.GetNode(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(TransitionsResponse{
			NodeID:  n.ID,
			Current: string(n.Status),
			Valid:   statusStrings(lifecycle.ValidTransitions(n.Status)),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "node-estimate",
		Method:      http.MethodPost,
		Path:        "/nodes/{id}/estimate",
		Summary:     "Suggest a status from free text",
		Description: "Advisory only; nothing is written.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body EstimateRequest
	}) (*output[EstimateResponse], error) {
		est, err := e.EstimateStatus(ctx, input.ID, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EstimateResponse{Current: string(est.Current)}
		if est.Suggested != nil {
			s := string(*est.Suggested)
			resp.Suggested = &s
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-status",
		Method:      http.MethodPost,
		Path:        "/nodes/{id}/status",
		Summary:     "Apply a confirmed status change",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ApplyStatusRequest
	}) (*output[StatusChangeResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyStatusChange(ctx, engine.StatusChangeRequest{
			NodeID:         input.ID,
			ConfirmationID: input.Body.ConfirmationID,
			To:             lifecycle.Status(input.Body.ToStatus),
			Reason:         input.Body.Reason,
			Actor:          actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatusChangeResponse{
			NodeID:     res.NodeID,
			FromStatus: string(res.From),
			ToStatus:   string(res.To),
			Changed:    res.Changed,
			Warnings:   res.Warnings,
		}
		if res.Cascade != nil {
			c := cascadeResponse(*res.Cascade)
			resp.Cascade = &c
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cascade-status",
		Method:      http.MethodPost,
		Path:        "/nodes/{id}/cascade",
		Summary:     "Move every descendant to a cascade status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CascadeRequest
	}) (*output[CascadeResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CascadeStatus(ctx, input.ID, lifecycle.Status(input.Body.TargetStatus), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(cascadeResponse(res)), nil
	})
}

func registerConfirmations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-confirmation",
		Method:        http.MethodPost,
		Path:          "/confirmations",
		Summary:       "Issue a single-use confirmation for a proposed change",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body IssueConfirmationRequest
	}) (*output[ConfirmationResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		change, err := input.Body.ProposedChange.Decode()
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.IssueConfirmation(ctx, confirm.IssueRequest{Subject: input.Body.SubjectNodeID, Actor: actor, Change: change})
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := confirmationResponse(c)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-confirmations",
		Method:      http.MethodGet,
		Path:        "/confirmations",
		Summary:     "List confirmations, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Subject string `query:"subject_node_id"`
		Pending bool   `query:"pending"`
	}) (*output[[]ConfirmationResponse], error) {
		items, err := e.ListConfirmations(ctx, input.Subject, input.Pending)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ConfirmationResponse, 0, len(items))
		for _, c := range items {
			resp, err := confirmationResponse(c)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, resp)
		}
		return reply(out), nil
	})
}

func registerApply(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-relation",
		Method:      http.MethodPost,
		Path:        "/confirmations/{id}/apply/relation",
		Summary:     "Apply a confirmed relation",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *confirmationPath) (*output[RelationResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyRelationDiff(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RelationResponse{
			ID:           res.Relation.ID,
			FromNodeID:   res.Relation.FromNodeID,
			ToNodeID:     res.Relation.ToNodeID,
			RelationType: res.Relation.RelationType,
			Warnings:     res.Warnings,
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-grouping",
		Method:      http.MethodPost,
		Path:        "/confirmations/{id}/apply/grouping",
		Summary:     "Apply a confirmed grouping",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *confirmationPath) (*output[GroupingResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyGroupingDiff(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(GroupingResponse{GroupID: res.GroupID, Label: res.Label, MemberCount: res.MemberCount, Warnings: res.Warnings}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-decomposition",
		Method:      http.MethodPost,
		Path:        "/confirmations/{id}/apply/decomposition",
		Summary:     "Apply a confirmed decomposition",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *confirmationPath) (*output[DecompositionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyDecompositionDiff(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(DecompositionResponse{ParentNodeID: res.ParentNodeID, CreatedChildren: res.CreatedChildren, Warnings: res.Warnings}), nil
	})
}
