package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/auth"
	"github.com/loykin/botvisor/internal/cron"
	"github.com/loykin/botvisor/internal/logsink"
	"github.com/loykin/botvisor/internal/manager"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/server"
)

func newTestDaemon(t *testing.T, authSvc *auth.Service) (string, *manager.Manager) {
	t.Helper()
	m := manager.New(manager.Config{ConfirmDelay: 50 * time.Millisecond, KillTimeout: time.Second}, logsink.New(0, nil), nil)
	sched := cron.NewScheduler(m)
	r := server.NewRouter(m, server.Options{BasePath: "/api", Scheduler: sched, Auth: authSvc})
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = sched.Stop(context.Background())
		_ = m.Shutdown(context.Background())
	})
	t.Setenv("BOTVISOR_CLIENT_URL", srv.URL+"/api")
	return srv.URL + "/api", m
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "botvisor")
	for _, sub := range []string{"serve", "start", "stop", "restart", "logs", "activities", "stats", "bots", "token"} {
		assert.Contains(t, out, sub)
	}
}

func TestBotsAndCreateDelete(t *testing.T) {
	newTestDaemon(t, nil)

	out, err := run(t, "create", "--id", "ticker", "--name", "Ticker", "--command", "sleep 60", "--env", "A=1")
	require.NoError(t, err)
	assert.Contains(t, out, "created ticker")

	out, err = run(t, "bots")
	require.NoError(t, err)
	assert.Contains(t, out, "ticker")
	assert.Contains(t, out, "offline")

	out, err = run(t, "get", "ticker")
	require.NoError(t, err)
	assert.Contains(t, out, `"A": "1"`)

	out, err = run(t, "--json", "bots")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "["))

	out, err = run(t, "activities", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "bot_created")

	out, err = run(t, "stop", "ticker")
	require.NoError(t, err)
	assert.Contains(t, out, "ticker: offline")

	out, err = run(t, "delete", "ticker")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted ticker")

	_, err = run(t, "get", "ticker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCreateFromFile(t *testing.T) {
	_, m := newTestDaemon(t, nil)
	p := filepath.Join(t.TempDir(), "trader.yaml")
	require.NoError(t, os.WriteFile(p, []byte("id: trader\nname: Trader\nlanguage: python\nmain_file: main.py\nenv: [\"KEY=v\"]\n"), 0o644))

	_, err := run(t, "create", "--file", p)
	require.NoError(t, err)
	st, err := m.Get("trader")
	require.NoError(t, err)
	assert.Equal(t, process.LanguagePython, st.Spec.Language)
	assert.Equal(t, "v", st.Spec.Environment["KEY"])
}

func TestCreateRequiresName(t *testing.T) {
	newTestDaemon(t, nil)
	_, err := run(t, "create", "--command", "true")
	require.Error(t, err)
	_, err = run(t, "create", "--name", "x", "--env", "broken")
	require.Error(t, err)
}

func TestArgsValidation(t *testing.T) {
	_, err := run(t, "start")
	require.Error(t, err)
	_, err = run(t, "logs", "a", "b")
	require.Error(t, err)
}

func TestLogsAndStats(t *testing.T) {
	newTestDaemon(t, nil)
	_, err := run(t, "create", "--id", "a", "--name", "A", "--command", "true")
	require.NoError(t, err)

	out, err := run(t, "logs", "a")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))

	out, err = run(t, "logs", "a", "--clear")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared logs of a")

	out, err = run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "no system stats available")

	out, err = run(t, "schedules")
	require.NoError(t, err)
	assert.Contains(t, out, "WORKER")
}

func TestTokenCommandAndAuthenticatedClient(t *testing.T) {
	t.Setenv("BOTVISOR_AUTH_SECRET", "cli-secret")
	svc, err := auth.NewService(auth.Config{Secret: "cli-secret", Issuer: auth.DefaultIssuer})
	require.NoError(t, err)
	newTestDaemon(t, svc)

	_, err = run(t, "bots")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	out, err := run(t, "token", "--role", "viewer", "--subject", "tester")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	res, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "tester", res.Subject)
	assert.Equal(t, []string{"viewer"}, res.Roles)

	_, err = run(t, "--token", token, "bots")
	require.NoError(t, err)
	_, err = run(t, "--token", token, "create", "--name", "x", "--command", "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	_, err = run(t, "token", "--role", "root")
	require.Error(t, err)
}

func TestTokenWithoutSecret(t *testing.T) {
	t.Setenv("BOTVISOR_AUTH_SECRET", "")
	_, err := run(t, "token")
	require.Error(t, err)
}

func TestChildArgs(t *testing.T) {
	got := childArgs([]string{"serve", "c.toml", "--daemonize", "--logfile", "/tmp/x.log", "--pidfile", "/tmp/p", "--logfile=/y"})
	assert.Equal(t, []string{"serve", "c.toml", "--pidfile", "/tmp/p"}, got)
}

func TestPidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "botvisor.pid")
	require.NoError(t, writePidFile(p, 4242))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "4242", string(data))
	require.NoError(t, removePidFile(p))
	require.NoError(t, removePidFile(""))
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

func TestUptimeFormatting(t *testing.T) {
	assert.Equal(t, "-", uptime(0))
	assert.Equal(t, "1m5s", uptime(65.4))
	assert.Equal(t, "-", pidString(0))
	assert.Equal(t, "12", pidString(12))
}
