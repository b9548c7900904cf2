package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"firestore-harness/internal/harness/adapter/persistence/memory"
	"firestore-harness/internal/harness/adapter/security"
	"firestore-harness/internal/harness/config"
	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/shared/logger"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *memory.Backend) {
	t.Helper()
	b, err := memory.NewBackend(logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return NewServer(b, logger.NewNopLogger(), opts...), b
}

func request(t *testing.T, app *fiber.App, method, target string, body interface{}, headers ...string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func fieldsOf(data map[string]interface{}) DocumentRequest {
	return DocumentRequest{Fields: model.MustFields(data)}
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)
	status, body := request(t, s.App(), "GET", "/health", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok","backend":"memory"}`, string(body))
}

func TestServer_DocumentLifecycle(t *testing.T) {
	s, b := newTestServer(t)
	app := s.App()

	status, body := request(t, app, "PUT", "/v1/documents/users/a", fieldsOf(map[string]interface{}{
		"name":    "alice",
		"profile": map[string]interface{}{"city": "x"},
	}))
	require.Equal(t, fiber.StatusOK, status, string(body))
	var doc model.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "users/a", doc.Path)
	assert.False(t, doc.UpdateTime.IsZero())

	status, body = request(t, app, "POST", "/v1/documents/users/a", fieldsOf(map[string]interface{}{"name": "again"}))
	assert.Equal(t, fiber.StatusConflict, status)
	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "ALREADY_EXISTS", errBody.Code)

	status, body = request(t, app, "PATCH", "/v1/documents/users/a", fieldsOf(map[string]interface{}{"profile.zip": "123"}))
	require.Equal(t, fiber.StatusOK, status, string(body))

	status, body = request(t, app, "GET", "/v1/documents/users/a", nil)
	require.Equal(t, fiber.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &doc))
	zip, ok := doc.Get("profile.zip")
	require.True(t, ok)
	assert.Equal(t, "123", zip.StringValue())
	city, _ := doc.Get("profile.city")
	assert.Equal(t, "x", city.StringValue())

	status, _ = request(t, app, "DELETE", "/v1/documents/users/a", nil)
	assert.Equal(t, fiber.StatusNoContent, status)
	assert.Equal(t, 0, b.Len())

	status, body = request(t, app, "GET", "/v1/documents/users/a", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "NOT_FOUND_ERROR", errBody.Error)

	status, _ = request(t, app, "PATCH", "/v1/documents/users/missing", fieldsOf(map[string]interface{}{"n": 1}))
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = request(t, app, "GET", "/v1/documents/users", nil)
	assert.Equal(t, fiber.StatusBadRequest, status, "collection paths are not documents")
}

func TestServer_QueryAndPipeline(t *testing.T) {
	s, b := newTestServer(t)
	ctx := context.Background()
	for id, n := range map[string]int{"a": 3, "b": 1, "c": 2} {
		_, err := b.SetDocument(ctx, "items/"+id, model.MustFields(map[string]interface{}{"n": n}))
		require.NoError(t, err)
	}

	q := model.NewQuery("items").Where("n", model.OpGreaterThan, 1).OrderBy("n", model.Desc)
	status, body := request(t, s.App(), "POST", "/v1/query", q)
	require.Equal(t, fiber.StatusOK, status, string(body))
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Documents, 2)
	assert.Equal(t, "items/a", resp.Documents[0].Path)
	assert.Equal(t, "items/c", resp.Documents[1].Path)

	p, err := model.PipelineFromQuery(q)
	require.NoError(t, err)
	status, body = request(t, s.App(), "POST", "/v1/pipeline", p)
	require.Equal(t, fiber.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Documents, 2)
	assert.Equal(t, "items/a", resp.Documents[0].Path)

	status, _ = request(t, s.App(), "POST", "/v1/query", model.NewQuery("items").Limit(-1))
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestServer_TokenGuard(t *testing.T) {
	tokens, err := security.NewJWTokenService(config.ServerConfig{
		JWTSecret: "fixture-secret-with-enough-length-123",
		JWTIssuer: "firestore-harness",
		JWTTTL:    time.Minute,
	})
	require.NoError(t, err)
	s, _ := newTestServer(t, WithTokenService(tokens))
	app := s.App()

	status, body := request(t, app, "GET", "/v1/documents/users/a", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status, string(body))

	status, _ = request(t, app, "GET", "/v1/documents/users/a", nil, "Authorization", "Bearer garbage")
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body = request(t, app, "POST", "/v1/token", TokenRequest{Subject: "ci", RunID: "run-1"})
	require.Equal(t, fiber.StatusOK, status, string(body))
	var tok TokenResponse
	require.NoError(t, json.Unmarshal(body, &tok))
	require.NotEmpty(t, tok.Token)

	status, _ = request(t, app, "GET", "/v1/documents/users/a", nil, "Authorization", "Bearer "+tok.Token)
	assert.Equal(t, fiber.StatusNotFound, status, "authenticated, document simply missing")

	status, _ = request(t, app, "GET", "/v1/documents/users/a?access_token="+tok.Token, nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = request(t, app, "GET", "/health", nil)
	assert.Equal(t, fiber.StatusOK, status, "health stays open")
}

func TestServer_TokenDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	status, _ := request(t, s.App(), "POST", "/v1/token", TokenRequest{Subject: "ci"})
	assert.Equal(t, fiber.StatusNotImplemented, status)
}

func TestServer_ListenRequiresUpgrade(t *testing.T) {
	s, _ := newTestServer(t)
	status, _ := request(t, s.App(), "GET", DefaultListenPath, nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, status)
}

func TestServer_MetricsRoute(t *testing.T) {
	m := metrics.New()
	s, _ := newTestServer(t, WithMetrics(m))

	request(t, s.App(), "GET", "/v1/documents/users/a", nil)
	status, body := request(t, s.App(), "GET", "/metrics", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(body), "harness_http_requests_total")
}

func TestServer_ListenOverWebsocket(t *testing.T) {
	s, b := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.App().Listener(ln) }()
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	conn, _, err := fws.DefaultDialer.Dial("ws://"+ln.Addr().String()+DefaultListenPath, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() ListenMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg ListenMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	q := model.NewQuery("rooms").OrderBy("n", model.Asc)
	require.NoError(t, conn.WriteJSON(ListenRequest{Action: ActionListen, ID: "l1", Query: &q}))

	first := read()
	require.Equal(t, MessageSnapshot, first.Type)
	assert.Equal(t, "l1", first.ID)
	assert.Empty(t, first.Snapshot.Documents)

	_, err = b.SetDocument(context.Background(), "rooms/r1", model.MustFields(map[string]interface{}{"n": 1}))
	require.NoError(t, err)

	second := read()
	require.Equal(t, MessageSnapshot, second.Type)
	require.Len(t, second.Snapshot.Changes, 1)
	assert.Equal(t, model.ChangeAdded, second.Snapshot.Changes[0].Type)
	assert.Equal(t, "rooms/r1", second.Snapshot.Documents[0].Path)

	require.NoError(t, conn.WriteJSON(ListenRequest{Action: ActionListen, ID: "l1", Query: &q}))
	dup := read()
	assert.Equal(t, MessageError, dup.Type)
	assert.Equal(t, fiber.StatusBadRequest, dup.Status)

	bad := model.NewQuery("rooms").Limit(-1)
	require.NoError(t, conn.WriteJSON(ListenRequest{Action: ActionListen, ID: "l2", Query: &bad}))
	rejected := read()
	assert.Equal(t, MessageError, rejected.Type)
	assert.Equal(t, "l2", rejected.ID)

	require.NoError(t, conn.WriteJSON(ListenRequest{Action: ActionUnlisten, ID: "l1"}))
	assert.Eventually(t, func() bool { return b.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}
