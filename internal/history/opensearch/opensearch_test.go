package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/store"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotBody   []byte
		gotUser   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "bot-activity").WithBasicAuth("admin", "secret")
	a := store.NewActivity(store.ActivityStart, "b1", "Echo started successfully")
	require.NoError(t, sink.Send(context.Background(), history.FromActivity(a, "Echo", "online", 4321)))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/bot-activity/_doc/"+a.ID, gotPath)
	assert.Equal(t, "admin", gotUser)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &doc))
	assert.Equal(t, "bot_start", doc["type"])
	rec, ok := doc["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Echo", rec["bot_name"])
	assert.Equal(t, float64(4321), rec["pid"])
}

func TestOpenSearchSink_PostWithoutID(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	require.NoError(t, New(server.URL, "idx").Send(context.Background(), history.Event{Type: store.ActivityStop}))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/idx/_doc", gotPath)
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.FromActivity(
		store.NewActivity(store.ActivityCrash, "b1", "crashed"), "Echo", "error", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opensearch sink status 400")
}
