package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/auth"
	"github.com/loykin/botvisor/internal/logsink"
	"github.com/loykin/botvisor/internal/manager"
	"github.com/loykin/botvisor/internal/server"
)

func newDaemon(t *testing.T, authSvc *auth.Service) (*httptest.Server, *manager.Manager) {
	t.Helper()
	m := manager.New(manager.Config{ConfirmDelay: 50 * time.Millisecond, KillTimeout: time.Second}, logsink.New(0, nil), nil)
	r := server.NewRouter(m, server.Options{BasePath: "/api", Auth: authSvc})
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = m.Shutdown(context.Background())
	})
	return srv, m
}

func newClient(t *testing.T, base, token string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: base + "/api", Token: token, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestClientCRUD(t *testing.T) {
	srv, _ := newDaemon(t, nil)
	c := newClient(t, srv.URL, "")
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	bot, err := c.CreateBot(ctx, BotSpec{ID: "alpha", Name: "Alpha", Language: "command", Command: "sleep 5"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", bot.ID)
	assert.Equal(t, "offline", bot.Status)

	_, err = c.CreateBot(ctx, BotSpec{ID: "alpha", Name: "Alpha", Language: "command", Command: "sleep 5"})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	generated, err := c.CreateBot(ctx, BotSpec{Name: "Gen", Language: "command", Command: "true"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	bots, err := c.ListBots(ctx)
	require.NoError(t, err)
	assert.Len(t, bots, 2)

	updated, err := c.UpdateBot(ctx, "alpha", BotSpec{Name: "Alpha2", Language: "command", Command: "sleep 6"})
	require.NoError(t, err)
	assert.Equal(t, "Alpha2", updated.Name)
	assert.Equal(t, "sleep 6", updated.Spec.Command)

	got, err := c.GetBot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "Alpha2", got.Name)

	acts, err := c.Activities(ctx, 2)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "config_update", acts[0].Type)

	logs, err := c.Logs(ctx, "alpha", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
	require.NoError(t, c.ClearLogs(ctx, "alpha"))

	stopped, err := c.Stop(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, stopped)
	assert.Equal(t, "offline", stopped.Status)

	require.NoError(t, c.DeleteBot(ctx, "alpha"))
	_, err = c.GetBot(ctx, "alpha")
	assert.True(t, IsNotFound(err))
}

func TestClientStatsAndSchedulesWithoutSources(t *testing.T) {
	srv, _ := newDaemon(t, nil)
	c := newClient(t, srv.URL, "")
	ctx := context.Background()

	_, err := c.Stats(ctx)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	hist, err := c.StatsHistory(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, hist)

	scheds, err := c.Schedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, scheds)
}

func TestClientBearerToken(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Secret: "test-secret"})
	require.NoError(t, err)
	srv, _ := newDaemon(t, svc)
	ctx := context.Background()

	_, err = newClient(t, srv.URL, "").ListBots(ctx)
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ae.StatusCode)

	viewer, err := svc.Mint("ops", []string{auth.RoleViewer}, time.Minute)
	require.NoError(t, err)
	vc := newClient(t, srv.URL, viewer.Value)
	_, err = vc.ListBots(ctx)
	require.NoError(t, err)
	_, err = vc.CreateBot(ctx, BotSpec{ID: "x", Name: "X", Language: "command", Command: "true"})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusForbidden, ae.StatusCode)
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.ListBots(context.Background())
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadGateway, ae.StatusCode)
	assert.Equal(t, "HTTP 502", ae.Error())
}

func TestClientUnreachable(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 500 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
}

func TestClientBadCACert(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{CACert: "/does/not/exist.pem"}})
	require.Error(t, err)

	c, err := New(Config{Insecure: true})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
