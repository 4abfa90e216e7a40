package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := &Env{UseOS: false}
	e.Set("BASE", "/srv")
	e.Set("LEVEL", "info")

	out := e.Merge([]string{"LEVEL=debug", "DATA=${BASE}/data", "=skipped", "bogus"})
	assert.Equal(t, []string{"BASE=/srv", "DATA=/srv/data", "LEVEL=debug"}, out)
}

func TestMergeUsesOSBase(t *testing.T) {
	t.Setenv("BOTVISOR_ENV_TEST", "from-os")
	e := New()
	e.Set("OTHER", "${BOTVISOR_ENV_TEST}-x")
	out := e.Merge(nil)
	assert.Contains(t, out, "BOTVISOR_ENV_TEST=from-os")
	assert.Contains(t, out, "OTHER=from-os-x")
}

func TestWithSetDoesNotMutate(t *testing.T) {
	e := &Env{}
	e.Set("A", "1")
	cp := e.WithSet("B", "2")
	assert.Equal(t, Var{"A": "1"}, e.Var)
	assert.Equal(t, Var{"A": "1", "B": "2"}, cp.Var)
}

func TestSetPairs(t *testing.T) {
	e := &Env{}
	require.NoError(t, e.SetPairs([]string{"A=1", "B=x=y"}))
	assert.Equal(t, "x=y", e.Var["B"])
	require.Error(t, e.SetPairs([]string{"=nokey"}))
	require.Error(t, e.SetPairs([]string{"novalue"}))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nDISCORD_TOKEN=\"abc\"\nexport MODE='prod'\n\nPLAIN = value \n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	e := &Env{}
	require.NoError(t, e.LoadFile(path))
	assert.Equal(t, Var{"DISCORD_TOKEN": "abc", "MODE": "prod", "PLAIN": "value"}, e.Var)

	bad := filepath.Join(t.TempDir(), "bad.env")
	require.NoError(t, os.WriteFile(bad, []byte("oops\n"), 0o600))
	err := (&Env{}).LoadFile(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":1:")

	require.Error(t, (&Env{}).LoadFile(filepath.Join(t.TempDir(), "missing")))
}
