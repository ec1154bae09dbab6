package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worknode/internal/config"
	"worknode/internal/confirm"
	"worknode/internal/db"
	"worknode/internal/domain"
	"worknode/internal/engine"
	"worknode/internal/lifecycle"
	"worknode/internal/migrate"
)

// sharedWorkspace opens n engines, each on its own connection pool, over one
// workspace database. They share no in-process locks.
func sharedWorkspace(t *testing.T, n int) []engine.Engine {
	t.Helper()
	dir := t.TempDir()
	engines := make([]engine.Engine, n)
	for i := range engines {
		conn, err := db.Open(db.Config{Workspace: dir})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, migrate.Migrate(conn))
		engines[i] = engine.New(conn, config.Default())
	}
	return engines
}

func TestRedemptionFromAnotherConnectionAppliesOnce(t *testing.T) {
	engines := sharedWorkspace(t, 2)
	a, b := engines[0], engines[1]
	ctx := context.Background()
	parent, err := a.CreateNode(ctx, engine.NodeCreateOptions{Title: "plan", Status: lifecycle.Ready, Actor: tester})
	require.NoError(t, err)
	c, err := a.IssueConfirmation(ctx, confirm.IssueRequest{Subject: parent.ID, Actor: tester, Change: domain.DecompositionChange{
		ParentNodeID: parent.ID,
		Children:     []domain.ChildSpec{{Title: "c1"}, {Title: "c2"}},
	}})
	require.NoError(t, err)

	// a reads the Confirmation as unconsumed, then b redeems it in full before a
	// writes anything.
	var (
		once sync.Once
		bErr error
	)
	a.Now = func() time.Time {
		once.Do(func() { _, bErr = b.ApplyDecompositionDiff(ctx, c.ID, tester) })
		return time.Now()
	}
	_, aErr := a.ApplyDecompositionDiff(ctx, c.ID, tester)
	require.NoError(t, bErr)
	var consumed confirm.AlreadyConsumedError
	require.ErrorAs(t, aErr, &consumed)

	kids, err := b.ListNodes(ctx, engine.NodeListOptions{ParentID: &parent.ID})
	require.NoError(t, err)
	assert.Len(t, kids, 2)
	edges, err := b.Repo.ListEdges(ctx, nil, "")
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func TestConcurrentEnginesRedeemStatusChangeOnce(t *testing.T) {
	engines := sharedWorkspace(t, 2)
	ctx := context.Background()
	n, err := engines[0].CreateNode(ctx, engine.NodeCreateOptions{Title: "race", Status: lifecycle.Ready, Actor: tester})
	require.NoError(t, err)
	c, err := engines[0].IssueConfirmation(ctx, confirm.IssueRequest{Subject: n.ID, Actor: tester,
		Change: domain.StatusChange{To: lifecycle.InProgress}})
	require.NoError(t, err)
	req := engine.StatusChangeRequest{NodeID: n.ID, ConfirmationID: c.ID, To: lifecycle.InProgress, Actor: tester}

	var wg sync.WaitGroup
	errs := make([]error, len(engines))
	for i, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.ApplyStatusChange(ctx, req)
		}()
	}
	wg.Wait()
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		// The loser sees either the consumed flag or the status it expected gone.
		if !errors.Is(err, confirm.ErrAlreadyConsumed) {
			assert.ErrorIs(t, err, confirm.ErrMismatch)
		}
	}
	assert.Equal(t, 1, succeeded)
	hist, err := engines[1].GetHistory(ctx, n.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestConsumeFailureAfterCommitIsWarning(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Confirmations.ConsumeRetry = config.RetryConfig{
		InitialInterval: time.Millisecond,
		MaxElapsed:      20 * time.Millisecond,
	}
	n := env.node(t, "report", "", lifecycle.Ready)
	c := env.issue(t, n.ID, domain.StatusChange{To: lifecycle.InProgress})
	_, err := env.Engine.DB.Exec(`CREATE TRIGGER refuse_consume BEFORE UPDATE OF consumed ON confirmations
		BEGIN SELECT RAISE(ABORT, 'consume refused'); END`)
	require.NoError(t, err)

	res, err := env.Engine.ApplyStatusChange(env.Ctx, engine.StatusChangeRequest{
		NodeID: n.ID, ConfirmationID: c.ID, To: lifecycle.InProgress, Actor: tester,
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "applied but not marked consumed")

	got, err := env.Engine.GetNode(env.Ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.InProgress, got.Status)
	pending, err := env.Engine.ListConfirmations(env.Ctx, n.ID, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].ID)
}

func TestCascadePartialFailureKeepsCommittedDescendants(t *testing.T) {
	env := newTestEnv(t)
	root := env.node(t, "release", "", lifecycle.Ready)
	first := env.node(t, "notes", root.ID, lifecycle.Ready)
	stuck := env.node(t, "stuck", root.ID, lifecycle.Ready)
	env.node(t, "after", root.ID, lifecycle.Ready)
	_, err := env.Engine.DB.Exec(`CREATE TRIGGER refuse_stuck BEFORE UPDATE OF status ON nodes
		WHEN OLD.title = 'stuck' BEGIN SELECT RAISE(ABORT, 'stuck node'); END`)
	require.NoError(t, err)

	c := env.issue(t, root.ID, domain.StatusChange{To: lifecycle.Cooling})
	res, err := env.Engine.ApplyStatusChange(env.Ctx, engine.StatusChangeRequest{
		NodeID: root.ID, ConfirmationID: c.ID, To: lifecycle.Cooling, Actor: tester,
	})
	var pf *engine.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "cascade", pf.Op)
	assert.Equal(t, []string{first.ID}, pf.Applied)
	assert.Contains(t, pf.Error(), stuck.ID)
	assert.True(t, res.Changed)
	require.NotNil(t, res.Cascade)
	assert.Equal(t, 1, res.Cascade.UpdatedCount)

	got, err := env.Engine.GetNode(env.Ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Cooling, got.Status)
	_, err = env.Engine.ApplyStatusChange(env.Ctx, engine.StatusChangeRequest{
		NodeID: root.ID, ConfirmationID: c.ID, To: lifecycle.Cooling, Actor: tester,
	})
	assert.ErrorIs(t, err, confirm.ErrAlreadyConsumed)

	_, err = env.Engine.CascadeStatus(env.Ctx, root.ID, lifecycle.Cooling, tester)
	require.ErrorAs(t, err, &pf)
	assert.Empty(t, pf.Applied)
}

func TestMoveRelocksWhenParentChangesBeforeLocking(t *testing.T) {
	env := newTestEnv(t)
	p1 := env.node(t, "p1", "", lifecycle.Ready)
	p2 := env.node(t, "p2", "", lifecycle.Ready)
	p3 := env.node(t, "p3", "", lifecycle.Ready)
	s1 := env.node(t, "s1", p1.ID, lifecycle.Ready)
	m := env.node(t, "m", p1.ID, lifecycle.Ready)
	t1 := env.node(t, "t1", p2.ID, lifecycle.Ready)

	// The first lock attempt is preceded by another move of m, from p1 to p2.
	calls := 0
	restore := engine.SetBeforeSiblingLock(func() {
		calls++
		if calls == 1 {
			mid := p2.ID
			require.NoError(t, env.Engine.MoveNode(env.Ctx, engine.MoveRequest{NodeID: m.ID, NewParentID: &mid, Actor: tester}))
		}
	})
	defer restore()

	target := p3.ID
	require.NoError(t, env.Engine.MoveNode(env.Ctx, engine.MoveRequest{NodeID: m.ID, NewParentID: &target, Actor: tester}))
	// outer attempt, nested move, outer retry
	assert.Equal(t, 3, calls)

	order := func(id string) (string, int) {
		n, err := env.Engine.GetNode(env.Ctx, id)
		require.NoError(t, err)
		parent := ""
		if n.ParentID != nil {
			parent = *n.ParentID
		}
		return parent, n.SiblingOrder
	}
	parent, pos := order(m.ID)
	assert.Equal(t, p3.ID, parent)
	assert.Equal(t, 0, pos)
	_, pos = order(t1.ID)
	assert.Equal(t, 0, pos)
	_, pos = order(s1.ID)
	assert.Equal(t, 0, pos)

	hist, err := env.Engine.GetHistory(env.Ctx, m.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "moved under "+p3.ID, hist[0].Reason)
	assert.Equal(t, "moved under "+p2.ID, hist[1].Reason)
}
