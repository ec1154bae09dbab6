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
	"worknode/internal/telemetry"
)

type StatusChangeRequest struct {
	NodeID         string
	ConfirmationID string
	To             lifecycle.Status
	Reason         string
	Actor          auth.Actor
}

type StatusChangeResult struct {
	NodeID   string
	From     lifecycle.Status
	To       lifecycle.Status
	Changed  bool
	Cascade  *CascadeResult
	Warnings []string
}

// ApplyStatusChange redeems a status_change Confirmation. A transition into a
// cascade target also moves every descendant to that status.
func (e Engine) ApplyStatusChange(ctx context.Context, req StatusChangeRequest) (res StatusChangeResult, err error) {
	started := time.Now()
	ctx, end := e.span(ctx, "ApplyStatusChange",
		attribute.String("node.id", req.NodeID),
		attribute.String("confirmation.id", req.ConfirmationID))
	defer func() {
		telemetry.ObserveApply(string(domain.KindStatusChange), resultLabel(err), started)
		end(err)
	}()

	if err := auth.Require(req.Actor, "apply status changes"); err != nil {
		return res, err
	}
	if req.ConfirmationID == "" {
		return res, domain.ValidationError{Field: "confirmation_id", Reason: "required"}
	}
	unlock := e.lockTable().Lock(confirmationKey(req.ConfirmationID))
	defer unlock()

	c, err := e.registry().Lookup(ctx, nil, req.ConfirmationID)
	if err != nil {
		return res, err
	}
	node, err := e.getNode(ctx, nil, req.NodeID)
	if err != nil {
		return res, err
	}
	to, err := lifecycle.Parse(string(req.To))
	if err != nil {
		return res, domain.ValidationError{Field: "to_status", Reason: err.Error()}
	}
	if err := confirm.Match(c, node.ID, domain.StatusChange{From: node.Status, To: to}); err != nil {
		return res, err
	}
	if !lifecycle.IsValidTransition(node.Status, to) {
		return res, InvalidTransitionError{From: node.Status, To: to, Valid: lifecycle.ValidTransitions(node.Status)}
	}

	reason := req.Reason
	if reason == "" {
		reason = fmt.Sprintf("status %s -> %s confirmed", node.Status, to)
	}
	changed := node.Status != to
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	deferred, err := e.claim(ctx, tx, c.ID)
	if err != nil {
		return res, err
	}
	if changed {
		ok, err := e.Repo.CompareAndSetStatus(ctx, tx, node.ID, node.Status, to, e.timestamp())
		if err != nil {
			return res, fmt.Errorf("update status: %w", err)
		}
		if !ok {
			current, err := e.getNode(ctx, tx, node.ID)
			if err != nil {
				return res, err
			}
			return res, confirm.MismatchError{ID: c.ID, Field: "current status", Expected: string(node.Status), Actual: string(current.Status)}
		}
	}
	if _, err := e.historyLog().Append(ctx, tx, node.ID, node.Status, to, reason, history.FromConfirmation(c)); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	res = StatusChangeResult{NodeID: node.ID, From: node.Status, To: to, Changed: changed}
	var cascadeErr error
	if changed && to.IsCascadeTarget() {
		cres, err := e.cascade(ctx, node, to)
		res.Cascade = &cres
		cascadeErr = err
	}
	res.Warnings = e.settle(ctx, c.ID, deferred)
	if cascadeErr != nil {
		return res, cascadeErr
	}
	e.logger().Info("status change applied", "node_id", node.ID, "from", node.Status, "to", to, "confirmation_id", c.ID)
	return res, nil
}

// GetValidTransitions lists the statuses the node can move to next.
func (e Engine) GetValidTransitions(ctx context.Context, nodeID string) ([]lifecycle.Status, error) {
	n, err := e.getNode(ctx, nil, nodeID)
	if err != nil {
		return nil, err
	}
	return lifecycle.ValidTransitions(n.Status), nil
}

// Estimate is an advisory status suggestion. Suggested is nil when nothing matched.
type Estimate struct {
	Current   lifecycle.Status
	Suggested *lifecycle.Status
}

// EstimateStatus matches free text against the intent patterns for the node's current status.
func (e Engine) EstimateStatus(ctx context.Context, nodeID, text string) (Estimate, error) {
	n, err := e.getNode(ctx, nil, nodeID)
	if err != nil {
		return Estimate{}, err
	}
	est := Estimate{Current: n.Status}
	if s, ok := e.Config.Estimator().Estimate(n.Status, text); ok {
		est.Suggested = &s
	}
	return est, nil
}

// GetHistory returns the node's audit trail newest first.
func (e Engine) GetHistory(ctx context.Context, nodeID string, limit int) ([]domain.HistoryEntry, error) {
	if _, err := e.getNode(ctx, nil, nodeID); err != nil {
		return nil, err
	}
	entries, err := e.historyLog().ListFor(ctx, nodeID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	return entries, nil
}

// IssueConfirmation stores a Confirmation for a proposed change. A status change
// with no From is filled in from the node's current status.
func (e Engine) IssueConfirmation(ctx context.Context, req confirm.IssueRequest) (c domain.Confirmation, err error) {
	ctx, end := e.span(ctx, "IssueConfirmation", attribute.String("subject", req.Subject))
	defer func() { end(err) }()

	if sc, ok := req.Change.(domain.StatusChange); ok && sc.From == "" {
		n, err := e.getNode(ctx, nil, req.Subject)
		if err != nil {
			return c, err
		}
		sc.From = n.Status
		req.Change = sc
	}
	c, err = e.registry().Issue(ctx, req)
	if err != nil {
		return c, err
	}
	telemetry.ConfirmationIssued(ctx, string(c.Change.Kind()))
	e.logger().Debug("confirmation issued", "confirmation_id", c.ID, "subject", c.SubjectNodeID, "type", c.Change.Kind())
	return c, nil
}

// ListConfirmations returns stored Confirmations, newest first.
func (e Engine) ListConfirmations(ctx context.Context, subjectNodeID string, pendingOnly bool) ([]domain.Confirmation, error) {
	return e.Repo.ListConfirmations(ctx, subjectNodeID, pendingOnly)
}
