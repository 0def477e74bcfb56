package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deskrelay/internal/app"
	"deskrelay/internal/config"
)

// startGateway runs a full application on a free port. A nil redis server
// means the backbone is disabled.
func startGateway(t *testing.T, name string, mr *miniredis.Miniredis) *app.Application {
	t.Helper()
	if mr == nil {
		return startGatewayAt(t, name, "")
	}
	return startGatewayAt(t, name, mr.Addr())
}

// startGatewayAt points the backbone at redisAddr, which need not be up yet
func startGatewayAt(t *testing.T, name, redisAddr string) *app.Application {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), name+".db")
	cfg.API.Insecure = true
	cfg.Backbone.Enabled = redisAddr != ""
	if redisAddr != "" {
		cfg.Backbone.Addr = redisAddr
		cfg.Backbone.RetryInterval = 50 * time.Millisecond
	}

	application, err := app.NewApplication(cfg, zaptest.NewLogger(t).Named(name))
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application
}

func baseURL(a *app.Application) string {
	return "http://" + a.Addr()
}

func wsURL(a *app.Application, path string) string {
	return "ws://" + a.Addr() + path
}

// postJSON posts body and decodes the response into out when non-nil
func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func putJSON(t *testing.T, url string, body interface{}) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func issueAgentToken(t *testing.T, a *app.Application, userID string) string {
	t.Helper()
	var token struct {
		Token string `json:"token"`
	}
	code := postJSON(t, baseURL(a)+"/api/agent-tokens", map[string]string{"user_id": userID}, &token)
	require.Equal(t, http.StatusCreated, code)
	return token.Token
}

func dialAgent(t *testing.T, a *app.Application, token string) *gorillaws.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(a, "/ws/agent"), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	readEvent(t, conn, "connected")
	return conn
}

func dialVisitor(t *testing.T, a *app.Application, token string) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(a, "/ws/visitor?token="+token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	readEvent(t, conn, "connected")
	return conn
}

// readEvent reads frames until one named event arrives
func readEvent(t *testing.T, conn *gorillaws.Conn, event string) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var frame map[string]interface{}
		require.NoError(t, conn.ReadJSON(&frame))
		if frame["event"] == event {
			return frame
		}
	}
}

// expectSilence fails if conn receives anything other than heartbeats within d
func expectSilence(t *testing.T, conn *gorillaws.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	for {
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			require.True(t, strings.Contains(err.Error(), "timeout"), "unexpected read error: %v", err)
			return
		}
		require.Equal(t, "heartbeat", frame["event"], "unexpected frame: %v", frame)
	}
}

func waitSubscribed(t *testing.T, a *app.Application, topic string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.Hub().Stats()["subscriptions"] == want
	}, 3*time.Second, 10*time.Millisecond, "topic %s", topic)
}

type appHandle struct {
	name string
	app  *app.Application
}
