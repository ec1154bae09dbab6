package confirm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"worknode/internal/domain"
	"worknode/internal/engine/auth"
	"worknode/internal/repo"
)

// TTL is fixed; a Confirmation is never redeemable once issued_at+TTL has passed.
const TTL = 24 * time.Hour

// StampLayout keeps sub-second precision at a fixed width, so stored stamps
// still sort lexically and the expiry check sees the exact issue instant.
const StampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Registry issues, checks and redeems Confirmations.
type Registry struct {
	Repo  repo.Repo
	Now   func() time.Time
	NewID func() string
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Registry) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

// IssueRequest describes the change a caller wants authorized.
type IssueRequest struct {
	Subject string
	Actor   auth.Actor
	Change  domain.ProposedChange
}

// Issue validates the proposed change and stores a fresh, unconsumed Confirmation.
func (r Registry) Issue(ctx context.Context, req IssueRequest) (domain.Confirmation, error) {
	if err := auth.Require(req.Actor, "issue confirmations"); err != nil {
		return domain.Confirmation{}, err
	}
	if err := domain.ValidateChange(req.Subject, req.Change); err != nil {
		return domain.Confirmation{}, err
	}
	if err := r.checkReferences(ctx, req.Subject, req.Change); err != nil {
		return domain.Confirmation{}, err
	}
	now := r.now().UTC()
	c := domain.Confirmation{
		ID:            r.newID(),
		SubjectNodeID: req.Subject,
		ActorID:       req.Actor.ID,
		ActorClass:    string(req.Actor.Class),
		Change:        req.Change,
		IssuedAt:      now.Format(StampLayout),
		ExpiresAt:     now.Add(TTL).Format(StampLayout),
	}
	if err := r.Repo.InsertConfirmation(ctx, nil, c); err != nil {
		return domain.Confirmation{}, fmt.Errorf("store confirmation: %w", err)
	}
	return c, nil
}

func (r Registry) checkReferences(ctx context.Context, subject string, c domain.ProposedChange) error {
	ids := []string{subject}
	if rel, ok := c.(domain.RelationChange); ok {
		ids = append(ids, rel.ToNodeID)
	}
	for _, id := range ids {
		if _, err := r.Repo.GetNode(ctx, nil, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("node %s: %w", id, repo.ErrNotFound)
			}
			return err
		}
	}
	return nil
}

// Lookup loads a Confirmation and rejects it if it was consumed or has expired.
func (r Registry) Lookup(ctx context.Context, tx *sql.Tx, id string) (domain.Confirmation, error) {
	c, err := r.Repo.GetConfirmation(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Confirmation{}, fmt.Errorf("confirmation %s: %w", id, repo.ErrNotFound)
		}
		return domain.Confirmation{}, err
	}
	if c.Consumed {
		e := AlreadyConsumedError{ID: c.ID}
		if c.ConsumedAt != nil {
			e.ConsumedAt = *c.ConsumedAt
		}
		return domain.Confirmation{}, e
	}
	expires, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return domain.Confirmation{}, fmt.Errorf("confirmation %s: bad expires_at: %w", c.ID, err)
	}
	if !r.now().Before(expires) {
		return domain.Confirmation{}, ExpiredError{ID: c.ID, ExpiresAt: c.ExpiresAt}
	}
	return c, nil
}

// Match compares the stored subject and change with what the caller is about to apply.
func Match(c domain.Confirmation, subject string, expected domain.ProposedChange) error {
	if subject != c.SubjectNodeID {
		return MismatchError{ID: c.ID, Field: "subject", Expected: c.SubjectNodeID, Actual: subject}
	}
	if expected == nil {
		return nil
	}
	if expected.Kind() != c.Change.Kind() {
		return MismatchError{ID: c.ID, Field: "change type", Expected: string(c.Change.Kind()), Actual: string(expected.Kind())}
	}
	if !domain.SameChange(c.Change, expected) {
		stored, _ := domain.EncodeChange(c.Change)
		requested, _ := domain.EncodeChange(expected)
		return MismatchError{ID: c.ID, Field: "proposed change", Expected: string(stored), Actual: string(requested)}
	}
	return nil
}

// Validate is Lookup followed by Match.
func (r Registry) Validate(ctx context.Context, id, subject string, expected domain.ProposedChange) (domain.Confirmation, error) {
	c, err := r.Lookup(ctx, nil, id)
	if err != nil {
		return domain.Confirmation{}, err
	}
	if err := Match(c, subject, expected); err != nil {
		return domain.Confirmation{}, err
	}
	return c, nil
}

// Consume marks the Confirmation used. Losing the conditional update to another
// redemption yields AlreadyConsumedError.
func (r Registry) Consume(ctx context.Context, id string) error {
	return r.ConsumeIn(ctx, nil, id)
}

// ConsumeIn is Consume inside tx, so the flag commits or rolls back together
// with the mutation it authorizes.
func (r Registry) ConsumeIn(ctx context.Context, tx *sql.Tx, id string) error {
	won, err := r.Repo.MarkConsumed(ctx, tx, id, r.now().UTC().Format(StampLayout))
	if err != nil {
		return fmt.Errorf("consume confirmation %s: %w", id, err)
	}
	if won {
		return nil
	}
	c, err := r.Repo.GetConfirmation(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("confirmation %s: %w", id, repo.ErrNotFound)
		}
		return err
	}
	e := AlreadyConsumedError{ID: id}
	if c.ConsumedAt != nil {
		e.ConsumedAt = *c.ConsumedAt
	}
	return e
}
