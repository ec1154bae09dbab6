package worknodesdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worknode/internal/config"
	"worknode/internal/db"
	"worknode/internal/engine"
	"worknode/internal/migrate"
	"worknode/internal/server"
	worknodesdk "worknode/sdk/go"
)

func newClient(t *testing.T) *worknodesdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	handler, err := server.New(server.Config{
		Engine: engine.New(conn, config.Default()),
		Auth:   server.AuthConfig{AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	c := worknodesdk.New(srv.URL)
	c.ActorID = "sdk-user"
	c.ActorClass = "agent"
	return c
}

func TestClientConfirmAndApply(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	parent, err := c.CreateNode(ctx, "release", "")
	require.NoError(t, err)
	assert.Equal(t, "captured", parent.Status)

	change, err := worknodesdk.NewChange("decomposition", map[string]any{
		"parent_node_id": parent.ID,
		"children":       []map[string]string{{"title": "tag"}, {"title": "announce"}},
	})
	require.NoError(t, err)
	conf, err := c.IssueConfirmation(ctx, parent.ID, change)
	require.NoError(t, err)

	res, err := c.ApplyDecompositionDiff(ctx, conf.ID)
	require.NoError(t, err)
	require.Len(t, res.CreatedChildren, 2)

	_, err = c.ApplyDecompositionDiff(ctx, conf.ID)
	require.Error(t, err)
	assert.True(t, worknodesdk.IsCode(err, "already_consumed"))

	status, err := worknodesdk.NewChange("status_change", map[string]string{"to": "done"})
	require.NoError(t, err)
	conf, err = c.IssueConfirmation(ctx, parent.ID, status)
	require.NoError(t, err)
	applied, err := c.ApplyStatusChange(ctx, parent.ID, conf.ID, "done", "all shipped")
	require.NoError(t, err)
	require.NotNil(t, applied.Cascade)
	assert.Equal(t, 2, applied.Cascade.UpdatedCount)

	hist, err := c.GetHistory(ctx, res.CreatedChildren[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "cascade", hist[0].Provenance)

	valid, err := c.GetValidTransitions(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"reactivated"}, valid)
}

func TestClientMoveErrors(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	a, err := c.CreateNode(ctx, "a", "")
	require.NoError(t, err)
	b, err := c.CreateNode(ctx, "b", a.ID)
	require.NoError(t, err)

	_, err = c.MoveNode(ctx, a.ID, b.ID, nil)
	var apiErr *worknodesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "cycle", apiErr.Code)

	moved, err := c.MoveNode(ctx, b.ID, "", []string{b.ID, a.ID})
	require.NoError(t, err)
	assert.Nil(t, moved.ParentID)
	assert.Equal(t, 0, moved.SiblingOrder)

	_, err = c.GetNode(ctx, "missing")
	assert.True(t, worknodesdk.IsCode(err, "not_found"))
}
