package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deskrelay/internal/metrics"
	"deskrelay/internal/session"
	"deskrelay/pkg/interfaces"
	"deskrelay/pkg/types"
)

type publishCall struct {
	target string
	env    *types.Envelope
}

type mockPublisher struct {
	mu     sync.Mutex
	topics []publishCall
	actors []publishCall
	err    error
}

func (p *mockPublisher) PublishToTopic(ctx context.Context, topic string, env *types.Envelope) error {
	if !types.IsValidTopic(topic) {
		return types.ErrInvalidTopic
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, publishCall{topic, env})
	return nil
}

func (p *mockPublisher) PublishToActor(ctx context.Context, actor string, env *types.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.actors = append(p.actors, publishCall{actor, env})
	return nil
}

type mockCredentials struct {
	revoked  map[string]bool
	issued   []string
	attached map[string]string
}

func (c *mockCredentials) IssueAgentToken(ctx context.Context, userID string) (*interfaces.AgentToken, error) {
	if userID == "" {
		return nil, session.ErrInvalidUserID
	}
	c.issued = append(c.issued, userID)
	return &interfaces.AgentToken{Token: "tok-" + userID, UserID: userID, CreatedAt: time.Now()}, nil
}

func (c *mockCredentials) RevokeAgentToken(ctx context.Context, token string) error {
	if token != "tok-U1" {
		return interfaces.ErrCredentialNotFound
	}
	if c.revoked == nil {
		c.revoked = make(map[string]bool)
	}
	c.revoked[token] = true
	return nil
}

func (c *mockCredentials) IssueVisitorSession(ctx context.Context, conversationID string, ttl time.Duration) (*interfaces.VisitorRecord, error) {
	if ttl < 0 {
		return nil, session.ErrInvalidTTL
	}
	rec := &interfaces.VisitorRecord{Token: "vt-1", SessionID: "S1", ConversationID: conversationID}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		rec.ExpiresAt = &exp
	}
	return rec, nil
}

func (c *mockCredentials) AttachConversation(ctx context.Context, sessionID, conversationID string) error {
	if !types.IsValidTopic(conversationID) {
		return types.ErrInvalidTopic
	}
	if sessionID != "S1" {
		return interfaces.ErrCredentialNotFound
	}
	if c.attached == nil {
		c.attached = make(map[string]string)
	}
	c.attached[sessionID] = conversationID
	return nil
}

func (c *mockCredentials) GetStats() map[string]int {
	return map[string]int{"cached_agent_tokens": 1}
}

type mockGateway struct{ degraded bool }

func (g *mockGateway) Stats() map[string]interface{} {
	return map[string]interface{}{"total_connections": 2, "degraded": g.degraded}
}
func (g *mockGateway) IsDegraded() bool { return g.degraded }

type mockDB struct{ err error }

func (d *mockDB) HealthCheck(ctx context.Context) error { return d.err }

type testServer struct {
	*Server
	publisher   *mockPublisher
	credentials *mockCredentials
	gateway     *mockGateway
	db          *mockDB
}

// newTestServer leaves /api open when producerKey is empty
func newTestServer(t *testing.T, producerKey string) *testServer {
	t.Helper()
	return newTestServerWithAccess(t, Access{ProducerKey: producerKey, Insecure: producerKey == ""})
}

func newTestServerWithAccess(t *testing.T, access Access) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ConnectionOpened("agent")

	ts := &testServer{
		publisher:   &mockPublisher{},
		credentials: &mockCredentials{},
		gateway:     &mockGateway{},
		db:          &mockDB{},
	}
	ts.Server = NewServer(Dependencies{
		Publisher:   ts.publisher,
		Credentials: ts.credentials,
		Gateway:     ts.gateway,
		Database:    ts.db,
		Gatherer:    reg,
	}, access, zaptest.NewLogger(t))
	return ts
}

func (ts *testServer) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func TestPublishToTopic(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/topics/conv-42/events",
		`{"event":"new_message","data":{"message_id":"m1"}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	require.Len(t, ts.publisher.topics, 1)
	call := ts.publisher.topics[0]
	assert.Equal(t, "conv-42", call.target)
	assert.Equal(t, types.KindNewMessage, call.env.Kind())
	assert.Equal(t, "m1", call.env.Data()["message_id"])
}

func TestPublishToActor(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/actors/U1/events",
		`{"event":"agent_notification","data":{"text":"assigned"}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, ts.publisher.actors, 1)
	assert.Equal(t, "U1", ts.publisher.actors[0].target)
}

func TestPublish_Rejections(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/api/topics/conv-1/events", `{`, http.StatusBadRequest},
		{"unknown event", "/api/topics/conv-1/events", `{"event":"teleported"}`, http.StatusBadRequest},
		{"gateway-only event", "/api/topics/conv-1/events", `{"event":"heartbeat"}`, http.StatusBadRequest},
		{"ack event", "/api/actors/U1/events", `{"event":"connected"}`, http.StatusBadRequest},
		{"data too large", "/api/topics/conv-1/events",
			`{"event":"new_message","data":{"text":"` + strings.Repeat("x", 70000) + `"}}`, http.StatusRequestEntityTooLarge},
		{"topic too long", "/api/topics/" + strings.Repeat("t", 201) + "/events", `{"event":"new_message"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			rec := ts.do(http.MethodPost, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Empty(t, ts.publisher.topics)
			assert.Empty(t, ts.publisher.actors)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Code)
		})
	}
}

func TestPublish_GatewayStopped(t *testing.T) {
	ts := newTestServer(t, "")
	ts.publisher.err = errors.New("hub has been stopped")

	rec := ts.do(http.MethodPost, "/api/topics/conv-1/events", `{"event":"new_message"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProducerKey(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	body := `{"event":"new_message"}`

	rec := ts.do(http.MethodPost, "/api/topics/conv-1/events", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/topics/conv-1/events", body, map[string]string{ProducerKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/topics/conv-1/events", body, map[string]string{ProducerKeyHeader: "s3cret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Health and metrics stay open for load balancers and scrapers
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestProducerKey_UnsetClosesAPI(t *testing.T) {
	ts := newTestServerWithAccess(t, Access{})

	rec := ts.do(http.MethodPost, "/api/agent-tokens", `{"user_id":"U1"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, ts.credentials.issued)

	rec = ts.do(http.MethodPost, "/api/visitor-sessions", `{}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, "/api/topics/conv-1/events", `{"event":"new_message"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, ts.publisher.topics)

	rec = ts.do(http.MethodPost, "/api/agent-tokens", `{"user_id":"U1"}`, map[string]string{ProducerKeyHeader: "guess"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	rec := ts.do(http.MethodOptions, "/api/topics/conv-1/events", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), ProducerKeyHeader)
}

func TestAgentTokens(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/agent-tokens", `{"user_id":"U1"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var token interfaces.AgentToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	assert.Equal(t, "tok-U1", token.Token)
	assert.Equal(t, "U1", token.UserID)

	rec = ts.do(http.MethodPost, "/api/agent-tokens", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/agent-tokens/tok-U1", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, ts.credentials.revoked["tok-U1"])

	rec = ts.do(http.MethodDelete, "/api/agent-tokens/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVisitorSessions(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/visitor-sessions", `{"conversation_id":"conv-7","ttl":"1h"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp VisitorSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "vt-1", resp.Token)
	assert.Equal(t, "S1", resp.SessionID)
	assert.Equal(t, "conv-7", resp.ConversationID)
	require.NotNil(t, resp.ExpiresAt)

	// Empty body issues a non-expiring session without a conversation
	rec = ts.do(http.MethodPost, "/api/visitor-sessions", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPost, "/api/visitor-sessions", `{"ttl":"forever"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/visitor-sessions", `{"ttl":"-1h"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachConversation(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bound", "/api/visitor-sessions/S1/conversation", `{"conversation_id":"conv-7"}`, http.StatusNoContent},
		{"unknown session", "/api/visitor-sessions/S404/conversation", `{"conversation_id":"conv-7"}`, http.StatusNotFound},
		{"invalid topic", "/api/visitor-sessions/S1/conversation", `{"conversation_id":"conv 7"}`, http.StatusBadRequest},
		{"bad json", "/api/visitor-sessions/S1/conversation", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPut, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "conv-7", ts.credentials.attached["S1"])
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2.0, body["gateway"]["total_connections"])
	assert.Equal(t, 1.0, body["credentials"]["cached_agent_tokens"])
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name         string
		dbErr        error
		degraded     bool
		wantCode     int
		wantStatus   string
		wantBackbone string
	}{
		{"healthy", nil, false, http.StatusOK, "healthy", "connected"},
		{"degraded backbone is not fatal", nil, true, http.StatusOK, "healthy", "degraded"},
		{"database down", errors.New("disk I/O error"), false, http.StatusServiceUnavailable, "unhealthy", "connected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.db.err = tt.dbErr
			ts.gateway.degraded = tt.degraded

			rec := ts.do(http.MethodGet, "/health", "", nil)
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantBackbone, resp.Backbone)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `deskrelay_active_connections{variant="agent"} 1`)
}
