package repo

import (
	"context"
	"database/sql"

	"worknode/internal/domain"
	"worknode/internal/lifecycle"
)

const historyColumns = `id,node_id,from_status,to_status,reason,provenance,confirmation_id,issuer_id,issuer_class,proposed_change_json,created_at`

func scanHistory(row rowScanner) (domain.HistoryEntry, error) {
	var h domain.HistoryEntry
	var from, to, prov string
	var confID, issuer, class, change sql.NullString
	if err := row.Scan(&h.ID, &h.NodeID, &from, &to, &h.Reason, &prov, &confID, &issuer, &class, &change, &h.CreatedAt); err != nil {
		return h, err
	}
	h.FromStatus = lifecycle.Status(from)
	h.ToStatus = lifecycle.Status(to)
	h.Provenance = domain.Provenance(prov)
	h.ConfirmationID = stringPtr(confID)
	h.IssuerID = stringPtr(issuer)
	h.IssuerClass = stringPtr(class)
	h.ProposedChangeJSON = stringPtr(change)
	return h, nil
}

func (r Repo) InsertHistory(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO node_history(node_id,from_status,to_status,reason,provenance,confirmation_id,issuer_id,issuer_class,proposed_change_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		h.NodeID, string(h.FromStatus), string(h.ToStatus), h.Reason, string(h.Provenance),
		nullableStringPtr(h.ConfirmationID), nullableStringPtr(h.IssuerID), nullableStringPtr(h.IssuerClass), nullableStringPtr(h.ProposedChangeJSON), h.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListHistory returns entries for nodeID newest first.
func (r Repo) ListHistory(ctx context.Context, nodeID string, limit int) ([]domain.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM node_history WHERE node_id=? ORDER BY created_at DESC, id DESC`
	args := []any{nodeID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryHistory(ctx, query, args...)
}

// HistoryAfter returns entries with ids greater than cursor in ascending order.
func (r Repo) HistoryAfter(ctx context.Context, cursor int64, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryHistory(ctx, `SELECT `+historyColumns+` FROM node_history WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestHistoryID returns the highest history id, or 0 when the log is empty.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM node_history`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryHistory(ctx context.Context, query string, args ...any) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
