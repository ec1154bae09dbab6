package confirm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worknode/internal/confirm"
	"worknode/internal/db"
	"worknode/internal/domain"
	"worknode/internal/engine/auth"
	"worknode/internal/lifecycle"
	"worknode/internal/migrate"
	"worknode/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newRegistry(t *testing.T) (confirm.Registry, *clock, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ts := "2024-01-01T00:00:00Z"
	for _, id := range []string{"a", "b"} {
		require.NoError(t, r.InsertNode(context.Background(), nil, domain.Node{
			ID: id, OwnerID: "u1", Title: id, Status: lifecycle.Ready, CreatedAt: ts, UpdatedAt: ts,
		}))
	}
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return confirm.Registry{Repo: r, Now: clk.Now}, clk, r
}

var human = auth.Actor{ID: "u1", Class: auth.Human}

func TestIssueStoresUnconsumedWithFixedTTL(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()
	c, err := reg.Issue(ctx, confirm.IssueRequest{
		Subject: "a",
		Actor:   human,
		Change:  domain.StatusChange{From: lifecycle.Ready, To: lifecycle.Done},
	})
	require.NoError(t, err)
	assert.False(t, c.Consumed)
	assert.Equal(t, "2024-01-02T00:00:00.000000000Z", c.ExpiresAt)

	got, err := reg.Lookup(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusChange{From: lifecycle.Ready, To: lifecycle.Done}, got.Change)
	assert.Equal(t, "human", got.ActorClass)
}

func TestIssueRejectsBadRequests(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Issue(ctx, confirm.IssueRequest{Subject: "a", Actor: human,
		Change: domain.RelationChange{FromNodeID: "a", ToNodeID: "missing", RelationType: "depends_on"}})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = reg.Issue(ctx, confirm.IssueRequest{Subject: "a", Actor: human,
		Change: domain.GroupingChange{NodeIDs: []string{"a"}, Label: "L"}})
	var verr domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = reg.Issue(ctx, confirm.IssueRequest{Subject: "a", Actor: auth.Actor{ID: "cron", Class: auth.Batch},
		Change: domain.StatusChange{From: lifecycle.Ready, To: lifecycle.Done}})
	var ferr auth.ForbiddenError
	assert.ErrorAs(t, err, &ferr)
}

func TestConsumeIsSingleUse(t *testing.T) {
	reg, clk, _ := newRegistry(t)
	ctx := context.Background()
	c, err := reg.Issue(ctx, confirm.IssueRequest{Subject: "a", Actor: human,
		Change: domain.StatusChange{From: lifecycle.Ready, To: lifecycle.Done}})
	require.NoError(t, err)

	clk.t = clk.t.Add(time.Minute)
	require.NoError(t, reg.Consume(ctx, c.ID))

	err = reg.Consume(ctx, c.ID)
	var consumed confirm.AlreadyConsumedError
	require.ErrorAs(t, err, &consumed)
	assert.Equal(t, "2024-01-01T00:01:00.000000000Z", consumed.ConsumedAt)

	_, err = reg.Lookup(ctx, nil, c.ID)
	assert.ErrorIs(t, err, confirm.ErrAlreadyConsumed)
}

func TestExpiryBoundary(t *testing.T) {
	reg, clk, _ := newRegistry(t)
	ctx := context.Background()
	c, err := reg.Issue(ctx, confirm.IssueRequest{Subject: "a", Actor: human,
		Change: domain.StatusChange{From: lifecycle.Ready, To: lifecycle.Done}})
	require.NoError(t, err)

	clk.t = clk.t.Add(confirm.TTL - time.Second)
	_, err = reg.Lookup(ctx, nil, c.ID)
	require.NoError(t, err)

	clk.t = clk.t.Add(time.Second)
	_, err = reg.Lookup(ctx, nil, c.ID)
	assert.ErrorIs(t, err, confirm.ErrExpired)
}

func TestExpiryKeepsSubSecondIssueTime(t *testing.T) {
	reg, clk, _ := newRegistry(t)
	ctx := context.Background()
	clk.t = clk.t.Add(900 * time.Millisecond)
	c, err := reg.Issue(ctx, confirm.IssueRequest{Subject: "a", Actor: human,
		Change: domain.StatusChange{From: lifecycle.Ready, To: lifecycle.Done}})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T00:00:00.900000000Z", c.ExpiresAt)

	// 100ms before the exact deadline, past the whole second it falls in.
	clk.t = clk.t.Add(confirm.TTL - 100*time.Millisecond)
	_, err = reg.Lookup(ctx, nil, c.ID)
	require.NoError(t, err)

	clk.t = clk.t.Add(100 * time.Millisecond)
	_, err = reg.Lookup(ctx, nil, c.ID)
	assert.ErrorIs(t, err, confirm.ErrExpired)
}

func TestConsumeInRollsBackWithTransaction(t *testing.T) {
	reg, _, r := newRegistry(t)
	ctx := context.Background()
	c, err := reg.Issue(ctx, confirm.IssueRequest{Subject: "a", Actor: human,
		Change: domain.StatusChange{From: lifecycle.Ready, To: lifecycle.Done}})
	require.NoError(t, err)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, reg.ConsumeIn(ctx, tx, c.ID))
	var consumed confirm.AlreadyConsumedError
	require.ErrorAs(t, reg.ConsumeIn(ctx, tx, c.ID), &consumed)
	require.NoError(t, tx.Rollback())

	_, err = reg.Lookup(ctx, nil, c.ID)
	require.NoError(t, err)

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, reg.ConsumeIn(ctx, tx, c.ID))
	require.NoError(t, tx.Commit())
	_, err = reg.Lookup(ctx, nil, c.ID)
	assert.ErrorIs(t, err, confirm.ErrAlreadyConsumed)
}

func TestValidateDetectsMismatch(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()
	c, err := reg.Issue(ctx, confirm.IssueRequest{Subject: "a", Actor: human,
		Change: domain.StatusChange{From: lifecycle.Ready, To: lifecycle.Done}})
	require.NoError(t, err)

	_, err = reg.Validate(ctx, c.ID, "b", domain.StatusChange{From: lifecycle.Ready, To: lifecycle.Done})
	var mm confirm.MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, "subject", mm.Field)

	_, err = reg.Validate(ctx, c.ID, "a", domain.StatusChange{From: lifecycle.InProgress, To: lifecycle.Done})
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, "proposed change", mm.Field)

	_, err = reg.Validate(ctx, c.ID, "a", domain.StatusChange{From: lifecycle.Ready, To: lifecycle.Done})
	assert.NoError(t, err)
}

func TestUnknownConfirmation(t *testing.T) {
	reg, _, _ := newRegistry(t)
	_, err := reg.Lookup(context.Background(), nil, "nope")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
	assert.ErrorIs(t, reg.Consume(context.Background(), "nope"), repo.ErrNotFound)
}
