package repo

import (
	"context"
	"database/sql"
	"fmt"

	"worknode/internal/domain"
)

func (r Repo) InsertEdge(ctx context.Context, tx *sql.Tx, e domain.Edge) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO node_edges(parent_id,child_id,created_at) VALUES (?,?,?)`, e.ParentID, e.ChildID, e.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: edge %s -> %s exists", ErrConflict, e.ParentID, e.ChildID)
	}
	return err
}

// DeleteEdgesTo removes every hierarchy edge pointing at childID.
func (r Repo) DeleteEdgesTo(ctx context.Context, tx *sql.Tx, childID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM node_edges WHERE child_id=?`, childID)
	return err
}

// ListEdges returns edges whose child belongs to ownerID, or all edges when ownerID is empty.
func (r Repo) ListEdges(ctx context.Context, tx *sql.Tx, ownerID string) ([]domain.Edge, error) {
	query := `SELECT e.parent_id,e.child_id,e.created_at FROM node_edges e`
	var args []any
	if ownerID != "" {
		query += ` JOIN nodes n ON n.id=e.child_id WHERE n.owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY e.created_at ASC, e.parent_id, e.child_id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Edge
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.ParentID, &e.ChildID, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// InsertGroup writes the group row and one member row per node.
func (r Repo) InsertGroup(ctx context.Context, tx *sql.Tx, g domain.Group) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO node_groups(id,owner_id,label,created_at) VALUES (?,?,?,?)`, g.ID, g.OwnerID, g.Label, g.CreatedAt); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	for _, nodeID := range g.Members {
		_, err := q.ExecContext(ctx, `INSERT INTO node_group_members(group_id,node_id) VALUES (?,?)`, g.ID, nodeID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s already in group %s", ErrConflict, nodeID, g.ID)
		}
		if err != nil {
			return fmt.Errorf("insert group member %s: %w", nodeID, err)
		}
	}
	return nil
}

func (r Repo) GetGroup(ctx context.Context, tx *sql.Tx, id string) (domain.Group, error) {
	var g domain.Group
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,owner_id,label,created_at FROM node_groups WHERE id=?`, id).
		Scan(&g.ID, &g.OwnerID, &g.Label, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Members, err = r.groupMembers(ctx, tx, id)
	return g, err
}

func (r Repo) groupMembers(ctx context.Context, tx *sql.Tx, groupID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT node_id FROM node_group_members WHERE group_id=? ORDER BY rowid`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListGroupsFor returns the groups nodeID belongs to, oldest first.
func (r Repo) ListGroupsFor(ctx context.Context, nodeID string) ([]domain.Group, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT g.id FROM node_groups g JOIN node_group_members m ON m.group_id=g.id WHERE m.node_id=? ORDER BY g.created_at ASC, g.id`, nodeID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.Group, 0, len(ids))
	for _, id := range ids {
		g, err := r.GetGroup(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, nil
}

func (r Repo) RelationExists(ctx context.Context, tx *sql.Tx, from, to, relType string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM node_relations WHERE from_node_id=? AND to_node_id=? AND relation_type=?`, from, to, relType).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) InsertRelation(ctx context.Context, tx *sql.Tx, rel domain.Relation) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO node_relations(id,from_node_id,to_node_id,relation_type,created_at) VALUES (?,?,?,?,?)`,
		rel.ID, rel.FromNodeID, rel.ToNodeID, rel.RelationType, rel.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: relation %s -[%s]-> %s exists", ErrConflict, rel.FromNodeID, rel.RelationType, rel.ToNodeID)
	}
	return err
}

// ListRelationsFor returns relations touching nodeID at either end.
func (r Repo) ListRelationsFor(ctx context.Context, nodeID string) ([]domain.Relation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,from_node_id,to_node_id,relation_type,created_at FROM node_relations
WHERE from_node_id=? OR to_node_id=? ORDER BY created_at ASC, id`, nodeID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Relation
	for rows.Next() {
		var rel domain.Relation
		if err := rows.Scan(&rel.ID, &rel.FromNodeID, &rel.ToNodeID, &rel.RelationType, &rel.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}
