package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"worknode/internal/confirm"
	"worknode/internal/domain"
	"worknode/internal/engine/auth"
	"worknode/internal/history"
	"worknode/internal/lifecycle"
	"worknode/internal/repo"
	"worknode/internal/telemetry"
)

type RelationResult struct {
	Relation domain.Relation
	Warnings []string
}

type GroupingResult struct {
	GroupID     string
	Label       string
	MemberCount int
	Warnings    []string
}

type CreatedChild struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type DecompositionResult struct {
	ParentNodeID    string
	CreatedChildren []CreatedChild
	Warnings        []string
}

// redeem runs the checks shared by every diff protocol and returns with the
// Confirmation's lock held. Callers must invoke unlock.
func (e Engine) redeem(ctx context.Context, confirmationID string, actor auth.Actor, kind domain.ChangeKind) (c domain.Confirmation, unlock func(), err error) {
	if err := auth.Require(actor, "apply "+string(kind)+" changes"); err != nil {
		return c, nil, err
	}
	if confirmationID == "" {
		return c, nil, domain.ValidationError{Field: "confirmation_id", Reason: "required"}
	}
	unlock = e.lockTable().Lock(confirmationKey(confirmationID))
	c, err = e.registry().Lookup(ctx, nil, confirmationID)
	if err == nil && c.Change.Kind() != kind {
		err = confirm.MismatchError{ID: c.ID, Field: "change type", Expected: string(c.Change.Kind()), Actual: string(kind)}
	}
	if err == nil {
		err = domain.ValidateChange(c.SubjectNodeID, c.Change)
	}
	if err != nil {
		unlock()
		return domain.Confirmation{}, nil, err
	}
	return c, unlock, nil
}

// ApplyRelationDiff redeems a relation Confirmation and inserts the typed edge.
func (e Engine) ApplyRelationDiff(ctx context.Context, confirmationID string, actor auth.Actor) (res RelationResult, err error) {
	started := time.Now()
	ctx, end := e.span(ctx, "ApplyRelationDiff", attribute.String("confirmation.id", confirmationID))
	defer func() {
		telemetry.ObserveApply(string(domain.KindRelation), resultLabel(err), started)
		end(err)
	}()

	c, unlock, err := e.redeem(ctx, confirmationID, actor, domain.KindRelation)
	if err != nil {
		return res, err
	}
	defer unlock()
	change := c.Change.(domain.RelationChange)
	from, err := e.getNode(ctx, nil, change.FromNodeID)
	if err != nil {
		return res, err
	}
	if _, err := e.getNode(ctx, nil, change.ToNodeID); err != nil {
		return res, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	deferred, err := e.claim(ctx, tx, c.ID)
	if err != nil {
		return res, err
	}
	exists, err := e.Repo.RelationExists(ctx, tx, change.FromNodeID, change.ToNodeID, change.RelationType)
	if err != nil {
		return res, err
	}
	if exists {
		return res, fmt.Errorf("%w: relation %s -[%s]-> %s exists", repo.ErrConflict, change.FromNodeID, change.RelationType, change.ToNodeID)
	}
	rel := domain.Relation{
		ID:           e.newID(),
		FromNodeID:   change.FromNodeID,
		ToNodeID:     change.ToNodeID,
		RelationType: change.RelationType,
		CreatedAt:    e.timestamp(),
	}
	if err := e.Repo.InsertRelation(ctx, tx, rel); err != nil {
		return res, err
	}
	reason := fmt.Sprintf("relation %s -> %s", rel.RelationType, rel.ToNodeID)
	if _, err := e.historyLog().Append(ctx, tx, from.ID, from.Status, from.Status, reason, history.FromConfirmation(c)); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Relation = rel
	res.Warnings = e.settle(ctx, c.ID, deferred)
	return res, nil
}

// ApplyGroupingDiff redeems a grouping Confirmation. The group row, its members and
// their memo history entries are written in one transaction.
func (e Engine) ApplyGroupingDiff(ctx context.Context, confirmationID string, actor auth.Actor) (res GroupingResult, err error) {
	started := time.Now()
	ctx, end := e.span(ctx, "ApplyGroupingDiff", attribute.String("confirmation.id", confirmationID))
	defer func() {
		telemetry.ObserveApply(string(domain.KindGrouping), resultLabel(err), started)
		end(err)
	}()

	c, unlock, err := e.redeem(ctx, confirmationID, actor, domain.KindGrouping)
	if err != nil {
		return res, err
	}
	defer unlock()
	change := c.Change.(domain.GroupingChange)
	members := make([]domain.Node, 0, len(change.NodeIDs))
	for _, id := range change.NodeIDs {
		n, err := e.getNode(ctx, nil, id)
		if err != nil {
			return res, err
		}
		members = append(members, n)
	}
	subject, err := e.getNode(ctx, nil, c.SubjectNodeID)
	if err != nil {
		return res, err
	}

	g := domain.Group{
		ID:        e.newID(),
		OwnerID:   subject.OwnerID,
		Label:     change.Label,
		Members:   change.NodeIDs,
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	deferred, err := e.claim(ctx, tx, c.ID)
	if err != nil {
		return res, err
	}
	if err := e.Repo.InsertGroup(ctx, tx, g); err != nil {
		return res, err
	}
	reason := fmt.Sprintf("joined group %s", g.Label)
	for _, n := range members {
		if _, err := e.historyLog().Append(ctx, tx, n.ID, n.Status, n.Status, reason, history.FromConfirmation(c)); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res = GroupingResult{GroupID: g.ID, Label: g.Label, MemberCount: len(g.Members)}
	res.Warnings = e.settle(ctx, c.ID, deferred)
	return res, nil
}

// ApplyDecompositionDiff redeems a decomposition Confirmation, creating one child
// node and one parent edge per child spec. Sibling order is relative to the
// parent's existing children: the i-th spec gets sibling_order len(children)+i,
// so new children always come after the ones already there.
func (e Engine) ApplyDecompositionDiff(ctx context.Context, confirmationID string, actor auth.Actor) (res DecompositionResult, err error) {
	started := time.Now()
	ctx, end := e.span(ctx, "ApplyDecompositionDiff", attribute.String("confirmation.id", confirmationID))
	defer func() {
		telemetry.ObserveApply(string(domain.KindDecomposition), resultLabel(err), started)
		end(err)
	}()

	c, unlock, err := e.redeem(ctx, confirmationID, actor, domain.KindDecomposition)
	if err != nil {
		return res, err
	}
	defer unlock()
	change := c.Change.(domain.DecompositionChange)
	parent, err := e.getNode(ctx, nil, change.ParentNodeID)
	if err != nil {
		return res, err
	}
	unlockSiblings := e.lockTable().Lock(siblingsKey(parent.OwnerID, parent.ID))
	defer unlockSiblings()
	ix, err := e.index(ctx, nil, parent.OwnerID)
	if err != nil {
		return res, err
	}
	offset := len(ix.Children(parent.ID))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	deferred, err := e.claim(ctx, tx, c.ID)
	if err != nil {
		return res, err
	}
	now := e.timestamp()
	created := make([]CreatedChild, 0, len(change.Children))
	prov := history.FromConfirmation(c)
	for i, spec := range change.Children {
		status := spec.InitialStatus
		if status == "" {
			status = lifecycle.Ready
		}
		parentID := parent.ID
		child := domain.Node{
			ID:           e.newID(),
			OwnerID:      parent.OwnerID,
			Title:        spec.Title,
			Context:      spec.Context,
			Status:       status,
			ParentID:     &parentID,
			SiblingOrder: offset + i,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertNode(ctx, tx, child); err != nil {
			return res, fmt.Errorf("insert child %d: %w", i, err)
		}
		if err := e.Repo.InsertEdge(ctx, tx, domain.Edge{ParentID: parent.ID, ChildID: child.ID, CreatedAt: now}); err != nil {
			return res, err
		}
		reason := fmt.Sprintf("created by decomposition of %s", parent.ID)
		if _, err := e.historyLog().Append(ctx, tx, child.ID, status, status, reason, prov); err != nil {
			return res, err
		}
		created = append(created, CreatedChild{ID: child.ID, Title: child.Title})
	}
	reason := fmt.Sprintf("decomposed into %d children", len(created))
	if _, err := e.historyLog().Append(ctx, tx, parent.ID, parent.Status, parent.Status, reason, prov); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res = DecompositionResult{ParentNodeID: parent.ID, CreatedChildren: created}
	res.Warnings = e.settle(ctx, c.ID, deferred)
	return res, nil
}
