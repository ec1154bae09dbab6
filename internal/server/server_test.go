package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worknode/internal/config"
	"worknode/internal/db"
	"worknode/internal/domain"
	"worknode/internal/engine"
	"worknode/internal/migrate"
)

const testSecret = "test-secret"

var human = map[string]string{"X-Actor-Id": "tester", "X-Actor-Class": "human"}

func newTestServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv, e
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func createNode(t *testing.T, srv *httptest.Server, body map[string]any) domain.Node {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/nodes", body, human)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var n domain.Node
	require.NoError(t, json.Unmarshal(data, &n))
	return n
}

func issue(t *testing.T, srv *httptest.Server, subject, kind string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/confirmations", map[string]any{
		"subject_node_id": subject,
		"proposed_change": map[string]any{"type": kind, "payload": payload},
	}, headers)
}

func issueOK(t *testing.T, srv *httptest.Server, subject, kind string, payload any) ConfirmationResponse {
	t.Helper()
	res, data := issue(t, srv, subject, kind, payload, human)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var c ConfirmationResponse
	require.NoError(t, json.Unmarshal(data, &c))
	return c
}

func TestHealthIsOpenAndNodesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/nodes", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)
}

func TestStatusChangeFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	n := createNode(t, srv, map[string]any{"title": "write report", "status": "ready"})
	c := issueOK(t, srv, n.ID, "status_change", map[string]any{"to": "in_progress"})
	assert.False(t, c.Consumed)
	assert.JSONEq(t, `{"from":"ready","to":"in_progress"}`, string(c.ProposedChange.Payload))

	apply := map[string]any{"confirmation_id": c.ID, "to_status": "in_progress", "reason": "starting"}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/nodes/"+n.ID+"/status", apply, human)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out StatusChangeResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "ready", out.FromStatus)
	assert.Equal(t, "in_progress", out.ToStatus)
	assert.True(t, out.Changed)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/nodes/"+n.ID+"/status", apply, human)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	env := decodeError(t, data)
	assert.Equal(t, "already_consumed", env.Error.Code)
	assert.NotEmpty(t, env.Error.Details["consumed_at"])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/nodes/"+n.ID+"/history?limit=1", nil, human)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var hist historyList
	require.NoError(t, json.Unmarshal(data, &hist))
	require.Len(t, hist.Items, 1)
	assert.Equal(t, "starting", hist.Items[0].Reason)
}

func TestInvalidTransitionReturnsValidSet(t *testing.T) {
	srv, _ := newTestServer(t)
	n := createNode(t, srv, map[string]any{"title": "closed", "status": "done"})
	c := issueOK(t, srv, n.ID, "status_change", map[string]any{"to": "in_progress"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/nodes/"+n.ID+"/status",
		map[string]any{"confirmation_id": c.ID, "to_status": "in_progress"}, human)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	env := decodeError(t, data)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, []any{"reactivated"}, env.Error.Details["valid_transitions"])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/nodes/"+n.ID+"/transitions", nil, human)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var tr TransitionsResponse
	require.NoError(t, json.Unmarshal(data, &tr))
	assert.Equal(t, []string{"reactivated"}, tr.Valid)
}

func TestBatchActorCannotIssue(t *testing.T) {
	srv, _ := newTestServer(t)
	n := createNode(t, srv, map[string]any{"title": "nightly"})
	res, data := issue(t, srv, n.ID, "status_change", map[string]any{"to": "ready"},
		map[string]string{"X-Actor-Id": "cron", "X-Actor-Class": "batch"})
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "batch", decodeError(t, data).Error.Details["actor_class"])
}

func TestMalformedChangeIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	n := createNode(t, srv, map[string]any{"title": "x"})
	res, data := issue(t, srv, n.ID, "grouping", map[string]any{"node_ids": []string{n.ID}, "label": "solo"}, human)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", decodeError(t, data).Error.Code)
}

func TestDecompositionAndMove(t *testing.T) {
	srv, _ := newTestServer(t)
	p := createNode(t, srv, map[string]any{"title": "plan trip"})
	c := issueOK(t, srv, p.ID, "decomposition", map[string]any{
		"parent_node_id": p.ID,
		"children":       []map[string]any{{"title": "c1"}, {"title": "c2"}},
	})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/confirmations/"+c.ID+"/apply/decomposition", nil, human)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out DecompositionResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.CreatedChildren, 2)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/confirmations/"+c.ID+"/apply/grouping", nil, human)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_consumed", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/nodes/"+p.ID+"/move",
		map[string]any{"new_parent_id": out.CreatedChildren[0].ID}, human)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "cycle", decodeError(t, data).Error.Code)

	c1 := out.CreatedChildren[0].ID
	c2 := out.CreatedChildren[1].ID
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/nodes/"+c1+"/move",
		map[string]any{"ordered_sibling_ids": []string{c1, p.ID}}, human)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var moved domain.Node
	require.NoError(t, json.Unmarshal(data, &moved))
	assert.Nil(t, moved.ParentID)
	assert.Equal(t, 0, moved.SiblingOrder)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/nodes?parent_id="+p.ID, nil, human)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var kids []domain.Node
	require.NoError(t, json.Unmarshal(data, &kids))
	require.Len(t, kids, 1)
	assert.Equal(t, c2, kids[0].ID)
	assert.Equal(t, 0, kids[0].SiblingOrder)
}

func TestRelationConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	a := createNode(t, srv, map[string]any{"title": "a"})
	b := createNode(t, srv, map[string]any{"title": "b"})
	payload := map[string]any{"from_node_id": a.ID, "to_node_id": b.ID, "relation_type": "depends_on"}
	for i, want := range []int{http.StatusOK, http.StatusConflict} {
		c := issueOK(t, srv, a.ID, "relation", payload)
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/confirmations/"+c.ID+"/apply/relation", nil, human)
		require.Equal(t, want, res.StatusCode, "attempt %d: %s", i, string(data))
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/nodes/"+a.ID+"/relations", nil, human)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var rels []domain.Relation
	require.NoError(t, json.Unmarshal(data, &rels))
	assert.Len(t, rels, 1)
}

func TestDevLoginToken(t *testing.T) {
	srv, _ := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "bot", "actor_class": "agent"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/nodes", map[string]any{"title": "from agent"}, bearer)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var n domain.Node
	require.NoError(t, json.Unmarshal(data, &n))
	assert.Equal(t, "bot", n.OwnerID)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/nodes", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	n := createNode(t, srv, map[string]any{"title": "x"})
	issueOK(t, srv, n.ID, "status_change", map[string]any{"to": "ready"})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "worknode_confirmations_issued_total")
}

func TestOpenAPIPathFollowsBasePath(t *testing.T) {
	assert.Equal(t, "/v0/openapi.json", OpenAPIPath(""))
	assert.Equal(t, "/v0/openapi.json", OpenAPIPath("/"))
	assert.Equal(t, "/api/v1/openapi.json", OpenAPIPath("api/v1/"))
}

func TestOpenAPIDocumentIsOpen(t *testing.T) {
	srv, _ := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+OpenAPIPath("/v0"), nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	var doc struct {
		Paths      map[string]map[string]json.RawMessage `json:"paths"`
		Components struct {
			Schemas         map[string]json.RawMessage `json:"schemas"`
			SecuritySchemes map[string]json.RawMessage `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc.Components.Schemas, "ApiError")
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	assert.Contains(t, doc.Paths, "/v0/confirmations/{id}/apply/relation")
}

func TestCascadePartialFailureReportsApplied(t *testing.T) {
	srv, e := newTestServer(t)
	root := createNode(t, srv, map[string]any{"title": "release"})
	first := createNode(t, srv, map[string]any{"title": "notes", "parent_id": root.ID})
	createNode(t, srv, map[string]any{"title": "stuck", "parent_id": root.ID})
	_, err := e.DB.Exec(`CREATE TRIGGER refuse_stuck BEFORE UPDATE OF status ON nodes
		WHEN OLD.title = 'stuck' BEGIN SELECT RAISE(ABORT, 'stuck node'); END`)
	require.NoError(t, err)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/nodes/"+root.ID+"/cascade",
		map[string]any{"target_status": "cooling"}, human)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "partial_failure", env.Error.Code)
	assert.Equal(t, "cascade", env.Error.Details["operation"])
	assert.Equal(t, []any{first.ID}, env.Error.Details["applied"])
}
