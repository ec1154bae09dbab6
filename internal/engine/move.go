package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"worknode/internal/domain"
	"worknode/internal/engine/auth"
	"worknode/internal/history"
	"worknode/internal/repo"
	"worknode/internal/tree"
)

const maxRelock = 3

// testHookBeforeSiblingLock runs between the unlocked parent read and taking
// the sibling locks.
var testHookBeforeSiblingLock func()

// MoveRequest reparents NodeID. A nil or empty NewParentID moves it to the root
// level. OrderedSiblingIDs, when given, fixes the order of the target sibling list.
type MoveRequest struct {
	NodeID            string
	NewParentID       *string
	OrderedSiblingIDs []string
	Actor             auth.Actor
}

// MoveNode reparents or reorders a node. The edge swap, both sibling renumberings
// and the memo entry commit together.
func (e Engine) MoveNode(ctx context.Context, req MoveRequest) (err error) {
	ctx, end := e.span(ctx, "MoveNode", attribute.String("node.id", req.NodeID))
	defer func() { end(err) }()

	if err := auth.Require(req.Actor, "move nodes"); err != nil {
		return err
	}
	node, err := e.getNode(ctx, nil, req.NodeID)
	if err != nil {
		return err
	}
	newParent := ""
	if req.NewParentID != nil {
		newParent = *req.NewParentID
	}
	if newParent != "" {
		p, err := e.getNode(ctx, nil, newParent)
		if err != nil {
			return err
		}
		if p.OwnerID != node.OwnerID {
			return domain.ValidationError{Field: "new_parent_id", Reason: "parent belongs to another owner"}
		}
	}

	ix, oldParent, unlock, err := e.lockPlacement(ctx, node.OwnerID, node.ID, newParent)
	if err != nil {
		return err
	}
	defer unlock()
	if err := ix.CheckMove(node.ID, newParent); err != nil {
		return err
	}

	var oldList []string
	target := ix.Siblings(newParent)
	if oldParent != newParent {
		for _, id := range ix.Siblings(oldParent) {
			if id != node.ID {
				oldList = append(oldList, id)
			}
		}
		target = append(target, node.ID)
	}
	order, err := tree.Renumber(target, req.OrderedSiblingIDs)
	if err != nil {
		return domain.ValidationError{Field: "ordered_sibling_ids", Reason: err.Error()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.timestamp()
	if oldParent != newParent {
		if err := e.Repo.DeleteEdgesTo(ctx, tx, node.ID); err != nil {
			return err
		}
		if newParent != "" {
			if err := e.Repo.InsertEdge(ctx, tx, domain.Edge{ParentID: newParent, ChildID: node.ID, CreatedAt: now}); err != nil {
				return err
			}
		}
		for i, id := range oldList {
			if err := e.Repo.SetSiblingOrder(ctx, tx, id, i); err != nil {
				return err
			}
		}
	}
	var parentPtr *string
	if newParent != "" {
		parentPtr = &newParent
	}
	for i, id := range order {
		if id == node.ID {
			if err := e.Repo.SetPlacement(ctx, tx, id, parentPtr, i, now); err != nil {
				return err
			}
			continue
		}
		if err := e.Repo.SetSiblingOrder(ctx, tx, id, i); err != nil {
			return err
		}
	}
	if oldParent != newParent {
		reason := "moved to root"
		if newParent != "" {
			reason = fmt.Sprintf("moved under %s", newParent)
		}
		if _, err := e.historyLog().Append(ctx, tx, node.ID, node.Status, node.Status, reason, history.Direct(req.Actor.ID)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// lockPlacement locks the sibling lists the node leaves and joins and returns an
// index built under those locks with the node's current parent. The parent is
// first read without the lock, so if another move changed it in between the locks
// are dropped and taken again on the new list.
func (e Engine) lockPlacement(ctx context.Context, ownerID, nodeID, newParent string) (*tree.Index, string, func(), error) {
	for attempt := 0; attempt < maxRelock; attempt++ {
		ix, err := e.index(ctx, nil, ownerID)
		if err != nil {
			return nil, "", nil, err
		}
		locked, _ := ix.Parent(nodeID)
		if testHookBeforeSiblingLock != nil {
			testHookBeforeSiblingLock()
		}
		unlock := e.lockTable().Lock(siblingsKey(ownerID, locked), siblingsKey(ownerID, newParent))
		ix, err = e.index(ctx, nil, ownerID)
		if err != nil {
			unlock()
			return nil, "", nil, err
		}
		if current, _ := ix.Parent(nodeID); current == locked {
			return ix, current, unlock, nil
		}
		unlock()
		e.logger().Debug("parent changed before sibling lock; retrying", "node_id", nodeID, "attempt", attempt+1)
	}
	return nil, "", nil, fmt.Errorf("%w: node %s was moved concurrently", repo.ErrConflict, nodeID)
}
