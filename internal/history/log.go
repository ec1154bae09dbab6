package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"worknode/internal/domain"
	"worknode/internal/lifecycle"
	"worknode/internal/repo"
)

// Log is the append-only per-node audit trail.
type Log struct {
	Repo repo.Repo
	Now  func() time.Time
}

// Provenance ties an entry to the Confirmation that authorized it.
type Provenance struct {
	Kind           domain.Provenance
	ConfirmationID string
	IssuerID       string
	IssuerClass    string
	Change         domain.ProposedChange
}

// Cascade is the provenance for side effects of an already confirmed change.
var Cascade = Provenance{Kind: domain.ProvenanceCascade}

// Direct is the provenance for edits that need no Confirmation.
func Direct(actorID string) Provenance {
	return Provenance{Kind: domain.ProvenanceDirect, IssuerID: actorID}
}

// FromConfirmation copies the audit fields of c.
func FromConfirmation(c domain.Confirmation) Provenance {
	return Provenance{
		Kind:           domain.ProvenanceConfirmation,
		ConfirmationID: c.ID,
		IssuerID:       c.ActorID,
		IssuerClass:    c.ActorClass,
		Change:         c.Change,
	}
}

// Append writes one entry inside tx. Pass from == to for memo entries.
func (l Log) Append(ctx context.Context, tx *sql.Tx, nodeID string, from, to lifecycle.Status, reason string, p Provenance) (domain.HistoryEntry, error) {
	if tx == nil {
		return domain.HistoryEntry{}, errors.New("history append requires a transaction")
	}
	if l.Now == nil {
		l.Now = time.Now
	}
	if p.Kind == "" {
		p.Kind = domain.ProvenanceDirect
	}
	h := domain.HistoryEntry{
		NodeID:         nodeID,
		FromStatus:     from,
		ToStatus:       to,
		Reason:         reason,
		Provenance:     p.Kind,
		ConfirmationID: optional(p.ConfirmationID),
		IssuerID:       optional(p.IssuerID),
		IssuerClass:    optional(p.IssuerClass),
		CreatedAt:      l.Now().UTC().Format(time.RFC3339),
	}
	if p.Change != nil {
		data, err := domain.EncodeChange(p.Change)
		if err != nil {
			return domain.HistoryEntry{}, fmt.Errorf("encode history change: %w", err)
		}
		s := string(data)
		h.ProposedChangeJSON = &s
	}
	id, err := l.Repo.InsertHistory(ctx, tx, h)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("append history for %s: %w", nodeID, err)
	}
	h.ID = id
	return h, nil
}

// ListFor returns the entries of nodeID newest first.
func (l Log) ListFor(ctx context.Context, nodeID string, limit int) ([]domain.HistoryEntry, error) {
	return l.Repo.ListHistory(ctx, nodeID, limit)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
