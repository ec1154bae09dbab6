package engine

import (
	"context"
	"fmt"
	"strings"

	"worknode/internal/dates"
	"worknode/internal/domain"
	"worknode/internal/engine/auth"
	"worknode/internal/history"
	"worknode/internal/lifecycle"
	"worknode/internal/repo"
	"worknode/internal/tree"
)

// NodeCreateOptions are parameters for creating a node directly.
type NodeCreateOptions struct {
	Title       string
	Context     string
	ParentID    string
	Status      lifecycle.Status
	Temperature float64
	DueDate     string
	Actor       auth.Actor
}

// CreateNode inserts a plain node. Any authenticated actor class may create nodes;
// creation is not a status transition.
func (e Engine) CreateNode(ctx context.Context, opts NodeCreateOptions) (domain.Node, error) {
	if opts.Actor.ID == "" {
		return domain.Node{}, auth.ForbiddenError{Class: opts.Actor.Class, Action: "create nodes without an actor id"}
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Node{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	status := opts.Status
	if status == "" {
		status = lifecycle.Captured
	}
	if !status.Valid() {
		return domain.Node{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	now := e.timestamp()
	n := domain.Node{
		ID:          e.newID(),
		OwnerID:     opts.Actor.ID,
		Title:       title,
		Context:     opts.Context,
		Status:      status,
		Temperature: opts.Temperature,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.DueDate != "" {
		due, err := dates.ParseDue(opts.DueDate, e.now())
		if err != nil {
			return domain.Node{}, domain.ValidationError{Field: "due_date", Reason: err.Error()}
		}
		n.DueDate = &due
	}
	unlock := e.lockTable().Lock(siblingsKey(n.OwnerID, opts.ParentID))
	defer unlock()
	ix, err := e.index(ctx, nil, n.OwnerID)
	if err != nil {
		return domain.Node{}, err
	}
	if opts.ParentID != "" {
		parent, err := e.getNode(ctx, nil, opts.ParentID)
		if err != nil {
			return domain.Node{}, err
		}
		if parent.OwnerID != n.OwnerID {
			return domain.Node{}, domain.ValidationError{Field: "parent_id", Reason: "parent belongs to another owner"}
		}
		parentID := parent.ID
		n.ParentID = &parentID
	}
	n.SiblingOrder = len(ix.Siblings(opts.ParentID))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertNode(ctx, tx, n); err != nil {
		return domain.Node{}, err
	}
	if n.ParentID != nil {
		if err := e.Repo.InsertEdge(ctx, tx, domain.Edge{ParentID: *n.ParentID, ChildID: n.ID, CreatedAt: now}); err != nil {
			return domain.Node{}, err
		}
	}
	if _, err := e.historyLog().Append(ctx, tx, n.ID, status, status, "created", history.Direct(opts.Actor.ID)); err != nil {
		return domain.Node{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Node{}, err
	}
	return n, nil
}

func (e Engine) GetNode(ctx context.Context, id string) (domain.Node, error) {
	return e.getNode(ctx, nil, id)
}

// NodeListOptions filter ListNodes. ActiveOnly restricts to the active working set.
type NodeListOptions struct {
	OwnerID    string
	Statuses   []lifecycle.Status
	ActiveOnly bool
	ParentID   *string
}

func (e Engine) ListNodes(ctx context.Context, opts NodeListOptions) ([]domain.Node, error) {
	f := repo.NodeFilter{OwnerID: opts.OwnerID, Statuses: opts.Statuses, ParentID: opts.ParentID}
	if opts.ActiveOnly {
		if len(f.Statuses) == 0 {
			f.Statuses = lifecycle.ActiveStatuses()
		} else {
			var kept []lifecycle.Status
			for _, s := range f.Statuses {
				if s.InActiveView() {
					kept = append(kept, s)
				}
			}
			if len(kept) == 0 {
				return []domain.Node{}, nil
			}
			f.Statuses = kept
		}
	}
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
		}
	}
	nodes, err := e.Repo.ListNodes(ctx, nil, f)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []domain.Node{}
	}
	return nodes, nil
}

// UpdateNode edits descriptive fields. Status is never changed here.
func (e Engine) UpdateNode(ctx context.Context, id string, u repo.NodeUpdate, actor auth.Actor) (domain.Node, error) {
	if err := auth.Require(actor, "edit nodes"); err != nil {
		return domain.Node{}, err
	}
	if u.Title != nil {
		t := strings.TrimSpace(*u.Title)
		if t == "" {
			return domain.Node{}, domain.ValidationError{Field: "title", Reason: "must not be empty"}
		}
		u.Title = &t
	}
	if u.DueDate != nil && *u.DueDate != "" {
		due, err := dates.ParseDue(*u.DueDate, e.now())
		if err != nil {
			return domain.Node{}, domain.ValidationError{Field: "due_date", Reason: err.Error()}
		}
		u.DueDate = &due
	}
	n, err := e.getNode(ctx, nil, id)
	if err != nil {
		return domain.Node{}, err
	}
	if u.Empty() {
		return n, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateNodeFields(ctx, tx, id, u, e.timestamp()); err != nil {
		return domain.Node{}, err
	}
	if u.Title != nil && *u.Title != n.Title {
		reason := fmt.Sprintf("title changed from %q to %q", n.Title, *u.Title)
		if _, err := e.historyLog().Append(ctx, tx, id, n.Status, n.Status, reason, history.Direct(actor.ID)); err != nil {
			return domain.Node{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Node{}, err
	}
	return e.getNode(ctx, nil, id)
}

// TreeNode is a node with its displayed children.
type TreeNode struct {
	Node      domain.Node `json:"node"`
	Depth     int         `json:"depth"`
	Truncated bool        `json:"truncated,omitempty"`
	Children  []TreeNode  `json:"children,omitempty"`
}

// Tree renders the owner's forest, bounded by the configured display depth.
func (e Engine) Tree(ctx context.Context, ownerID string) ([]TreeNode, error) {
	nodes, err := e.Repo.ListNodes(ctx, nil, repo.NodeFilter{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	ix, err := e.index(ctx, nil, ownerID)
	if err != nil {
		return nil, err
	}
	depth := tree.DisplayDepth
	if e.Config != nil && e.Config.Tree.DisplayDepth > 0 {
		depth = e.Config.Tree.DisplayDepth
	}
	var convert func(d *tree.DisplayNode) TreeNode
	convert = func(d *tree.DisplayNode) TreeNode {
		tn := TreeNode{Node: byID[d.ID], Depth: d.Depth, Truncated: d.Truncated}
		for _, c := range d.Children {
			tn.Children = append(tn.Children, convert(c))
		}
		return tn
	}
	out := []TreeNode{}
	for _, d := range ix.Display(depth) {
		out = append(out, convert(d))
	}
	return out, nil
}

func (e Engine) ListRelationsFor(ctx context.Context, nodeID string) ([]domain.Relation, error) {
	if _, err := e.getNode(ctx, nil, nodeID); err != nil {
		return nil, err
	}
	rels, err := e.Repo.ListRelationsFor(ctx, nodeID)
	if rels == nil && err == nil {
		rels = []domain.Relation{}
	}
	return rels, err
}

func (e Engine) ListGroupsFor(ctx context.Context, nodeID string) ([]domain.Group, error) {
	if _, err := e.getNode(ctx, nil, nodeID); err != nil {
		return nil, err
	}
	return e.Repo.ListGroupsFor(ctx, nodeID)
}
