package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worknode/internal/config"
	"worknode/internal/domain"
	"worknode/internal/engine"
	"worknode/internal/engine/auth"
	"worknode/internal/lifecycle"
	"worknode/internal/repo"
)

type hookRecorder struct {
	mu      sync.Mutex
	entries []domain.HistoryEntry
	headers []string
	bodies  [][]byte
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var entry domain.HistoryEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.headers = append(h.headers, r.Header.Get("X-Worknode-Signature"))
	h.bodies = append(h.bodies, body)
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookDeliversNewHistoryWithSignature(t *testing.T) {
	_, e := newTestServer(t)
	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	ctx := context.Background()
	actor := auth.Actor{ID: "tester", Class: auth.Human}
	_, err := e.CreateNode(ctx, engine.NodeCreateOptions{Title: "before", Actor: actor})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret", Provenance: []string{"direct"}}}
	d := NewWebhookDispatcher(e.Repo, cfg, nil)
	require.NotNil(t, d)
	d.DispatchOnce(ctx)
	assert.Empty(t, rec.entries, "entries older than the first poll are skipped")

	n, err := e.CreateNode(ctx, engine.NodeCreateOptions{Title: "after", Status: lifecycle.Ready, Actor: actor})
	require.NoError(t, err)
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.entries, 1)
	assert.Equal(t, n.ID, rec.entries[0].NodeID)
	assert.Equal(t, domain.ProvenanceDirect, rec.entries[0].Provenance)
	assert.Equal(t, "sha256="+Sign("s3cret", rec.bodies[0]), rec.headers[0])
}

func TestWebhookProvenanceFilter(t *testing.T) {
	f := newProvenanceFilter([]string{"cascade", " "})
	assert.True(t, f.match(domain.ProvenanceCascade))
	assert.False(t, f.match(domain.ProvenanceDirect))
	assert.True(t, newProvenanceFilter(nil).match(domain.ProvenanceConfirmation))
}

func TestDisabledWebhooksYieldNoDispatcher(t *testing.T) {
	off := false
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook", Enabled: &off}}
	assert.Nil(t, NewWebhookDispatcher(repo.Repo{}, cfg, nil))
}
