package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"worknode/internal/domain"
	"worknode/internal/engine/auth"
	"worknode/internal/history"
	"worknode/internal/lifecycle"
	"worknode/internal/telemetry"
)

type CascadeResult struct {
	Target       lifecycle.Status
	UpdatedCount int
	UpdatedIDs   []string
}

// CascadeStatus moves every descendant of nodeID to target. The node itself is
// left as is. Only cascade targets are accepted.
func (e Engine) CascadeStatus(ctx context.Context, nodeID string, target lifecycle.Status, actor auth.Actor) (res CascadeResult, err error) {
	started := time.Now()
	ctx, end := e.span(ctx, "CascadeStatus", attribute.String("node.id", nodeID), attribute.String("target", string(target)))
	defer func() {
		telemetry.ObserveApply("cascade", resultLabel(err), started)
		end(err)
	}()

	if err := auth.Require(actor, "cascade status"); err != nil {
		return res, err
	}
	target, err = lifecycle.Parse(string(target))
	if err != nil {
		return res, domain.ValidationError{Field: "target_status", Reason: err.Error()}
	}
	if !target.IsCascadeTarget() {
		return res, domain.ValidationError{Field: "target_status", Reason: fmt.Sprintf("%s does not cascade", target)}
	}
	node, err := e.getNode(ctx, nil, nodeID)
	if err != nil {
		return res, err
	}
	return e.cascade(ctx, node, target)
}

// cascade writes each descendant in its own transaction. A failure stops the walk
// and reports which descendants were already committed.
func (e Engine) cascade(ctx context.Context, root domain.Node, target lifecycle.Status) (CascadeResult, error) {
	res := CascadeResult{Target: target, UpdatedIDs: []string{}}
	ix, err := e.index(ctx, nil, root.OwnerID)
	if err != nil {
		return res, err
	}
	reason := fmt.Sprintf("ancestor reached %s; cascaded", target)
	for _, id := range ix.DescendantsOf(root.ID) {
		updated, err := e.cascadeOne(ctx, id, target, reason)
		if err != nil {
			telemetry.CascadeUpdated(res.UpdatedCount)
			return res, &PartialFailureError{Op: "cascade", Applied: res.UpdatedIDs, Err: fmt.Errorf("node %s: %w", id, err)}
		}
		if updated {
			res.UpdatedIDs = append(res.UpdatedIDs, id)
			res.UpdatedCount++
		}
	}
	telemetry.CascadeUpdated(res.UpdatedCount)
	if res.UpdatedCount > 0 {
		e.logger().Info("cascade applied", "root", root.ID, "target", target, "updated", res.UpdatedCount)
	}
	return res, nil
}

func (e Engine) cascadeOne(ctx context.Context, id string, target lifecycle.Status, reason string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	n, err := e.getNode(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if n.Status == target {
		return false, nil
	}
	if err := e.Repo.UpdateNodeStatus(ctx, tx, id, target, e.timestamp()); err != nil {
		return false, err
	}
	if _, err := e.historyLog().Append(ctx, tx, id, n.Status, target, reason, history.Cascade); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
