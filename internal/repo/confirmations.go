package repo

import (
	"context"
	"database/sql"
	"fmt"

	"worknode/internal/domain"
)

const confirmationColumns = `id,subject_node_id,actor_id,actor_class,proposed_change_json,consumed,consumed_at,issued_at,expires_at`

func scanConfirmation(row rowScanner) (domain.Confirmation, error) {
	var c domain.Confirmation
	var changeJSON string
	var consumed int
	var consumedAt sql.NullString
	err := row.Scan(&c.ID, &c.SubjectNodeID, &c.ActorID, &c.ActorClass, &changeJSON, &consumed, &consumedAt, &c.IssuedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Consumed = consumed != 0
	c.ConsumedAt = stringPtr(consumedAt)
	c.Change, err = domain.DecodeChange([]byte(changeJSON))
	if err != nil {
		return c, fmt.Errorf("confirmation %s: stored change: %w", c.ID, err)
	}
	return c, nil
}

func (r Repo) InsertConfirmation(ctx context.Context, tx *sql.Tx, c domain.Confirmation) error {
	data, err := domain.EncodeChange(c.Change)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO confirmations(id,subject_node_id,actor_id,actor_class,change_type,proposed_change_json,consumed,consumed_at,issued_at,expires_at)
VALUES (?,?,?,?,?,?,0,NULL,?,?)`,
		c.ID, c.SubjectNodeID, c.ActorID, c.ActorClass, string(c.Change.Kind()), string(data), c.IssuedAt, c.ExpiresAt)
	return err
}

func (r Repo) GetConfirmation(ctx context.Context, tx *sql.Tx, id string) (domain.Confirmation, error) {
	return scanConfirmation(r.q(tx).QueryRowContext(ctx, `SELECT `+confirmationColumns+` FROM confirmations WHERE id=?`, id))
}

// MarkConsumed flips the consumed flag only if it is still unset. It reports
// whether this call won the flip.
func (r Repo) MarkConsumed(ctx context.Context, tx *sql.Tx, id, consumedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE confirmations SET consumed=1, consumed_at=? WHERE id=? AND consumed=0`, consumedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListConfirmations returns confirmations newest first, optionally for one subject.
func (r Repo) ListConfirmations(ctx context.Context, subjectNodeID string, pendingOnly bool) ([]domain.Confirmation, error) {
	query := `SELECT ` + confirmationColumns + ` FROM confirmations WHERE 1=1`
	var args []any
	if subjectNodeID != "" {
		query += ` AND subject_node_id=?`
		args = append(args, subjectNodeID)
	}
	if pendingOnly {
		query += ` AND consumed=0`
	}
	query += ` ORDER BY issued_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Confirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
