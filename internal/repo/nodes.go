package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"worknode/internal/domain"
	"worknode/internal/lifecycle"
)

const nodeColumns = `id,owner_id,title,COALESCE(context,''),status,temperature,due_date,parent_id,sibling_order,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (domain.Node, error) {
	var n domain.Node
	var status string
	var due, parent sql.NullString
	err := row.Scan(&n.ID, &n.OwnerID, &n.Title, &n.Context, &status, &n.Temperature, &due, &parent, &n.SiblingOrder, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.Status = lifecycle.Status(status)
	n.DueDate = stringPtr(due)
	n.ParentID = stringPtr(parent)
	return n, nil
}

func (r Repo) InsertNode(ctx context.Context, tx *sql.Tx, n domain.Node) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO nodes(id,owner_id,title,context,status,temperature,due_date,parent_id,sibling_order,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.OwnerID, n.Title, nullable(n.Context), string(n.Status), n.Temperature, nullableStringPtr(n.DueDate), nullableStringPtr(n.ParentID), n.SiblingOrder, n.CreatedAt, n.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: node %s exists", ErrConflict, n.ID)
	}
	return err
}

func (r Repo) GetNode(ctx context.Context, tx *sql.Tx, id string) (domain.Node, error) {
	return scanNode(r.q(tx).QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=?`, id))
}

// NodeFilter narrows ListNodes. Zero values match everything.
type NodeFilter struct {
	OwnerID  string
	Statuses []lifecycle.Status
	ParentID *string
}

func (r Repo) ListNodes(ctx context.Context, tx *sql.Tx, f NodeFilter) ([]domain.Node, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders(len(f.Statuses))))
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.ParentID != nil {
		if *f.ParentID == "" {
			clauses = append(clauses, "parent_id IS NULL")
		} else {
			clauses = append(clauses, "parent_id=?")
			args = append(args, *f.ParentID)
		}
	}
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY sibling_order ASC, created_at ASC, id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) UpdateNodeStatus(ctx context.Context, tx *sql.Tx, id string, status lifecycle.Status, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE nodes SET status=?, updated_at=? WHERE id=?`, string(status), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetStatus moves a node to status only while it is still at from.
func (r Repo) CompareAndSetStatus(ctx context.Context, tx *sql.Tx, id string, from, to lifecycle.Status, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE nodes SET status=?, updated_at=? WHERE id=? AND status=?`, string(to), updatedAt, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// NodeUpdate carries optional field edits. A non-nil empty DueDate clears it.
type NodeUpdate struct {
	Title       *string
	Context     *string
	Temperature *float64
	DueDate     *string
}

func (u NodeUpdate) Empty() bool {
	return u.Title == nil && u.Context == nil && u.Temperature == nil && u.DueDate == nil
}

func (r Repo) UpdateNodeFields(ctx context.Context, tx *sql.Tx, id string, u NodeUpdate, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if u.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *u.Title)
	}
	if u.Context != nil {
		fields = append(fields, "context=?")
		args = append(args, nullable(*u.Context))
	}
	if u.Temperature != nil {
		fields = append(fields, "temperature=?")
		args = append(args, *u.Temperature)
	}
	if u.DueDate != nil {
		fields = append(fields, "due_date=?")
		args = append(args, nullable(*u.DueDate))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE nodes SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPlacement writes the parent pointer and sibling order of a node.
func (r Repo) SetPlacement(ctx context.Context, tx *sql.Tx, id string, parentID *string, order int, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE nodes SET parent_id=?, sibling_order=?, updated_at=? WHERE id=?`,
		nullableStringPtr(parentID), order, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetSiblingOrder(ctx context.Context, tx *sql.Tx, id string, order int) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE nodes SET sibling_order=? WHERE id=?`, order, id)
	return err
}
