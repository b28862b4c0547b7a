package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/engine"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/modality"
	"github.com/verisimdb/verisimdb/pkg/types"
)

func init() {
	log.Init(log.Config{Verbosity: log.Silent})
}

// startServer boots a server bound to an ephemeral IPv6 loopback port and
// returns its base URL.
func startServer(t *testing.T) (string, *engine.Engine) {
	t.Helper()

	eng, err := engine.New(engine.Options{})
	require.NoError(t, err)
	eng.Stores().Register(modality.NewMemory("local", types.CoreModalities()...))

	srv := New(Options{Addr: "[::1]:0", Runner: eng})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	return "http://" + srv.Addr(), eng
}

func postQuery(t *testing.T, base, query string) (*http.Response, map[string]any) {
	t.Helper()

	body, err := json.Marshal(map[string]string{"query": query})
	require.NoError(t, err)

	resp, err := http.Post(base+"/v1/query", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestQueryEndpoint(t *testing.T) {
	base, _ := startServer(t)

	resp, ins := postQuery(t, base, `INSERT HEXAD WITH DOCUMENT {title: "X", severity: 5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := ins["hexad_id"].(string)
	require.NotEmpty(t, id)

	resp, result := postQuery(t, base, `SELECT DOCUMENT.title FROM HEXAD "`+id+`"`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rows, ok := result["rows"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	values := row["values"].(map[string]any)
	assert.Equal(t, "X", values["document.title"])
}

func TestQueryEndpointErrors(t *testing.T) {
	base, _ := startServer(t)

	resp, body := postQuery(t, base, `SELECT FROM HEXAD ent-1`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "parse", body["kind"])

	resp, body = postQuery(t, base, `SELECT DOCUMENT.name, COUNT(*) FROM STORE local HAVING COUNT(*) > 1`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "type", body["kind"])
}

func TestPeerHexadsEndpoint(t *testing.T) {
	base, _ := startServer(t)

	_, ins := postQuery(t, base, `INSERT HEXAD WITH DOCUMENT {title: "shared"}`)
	require.NotEmpty(t, ins["hexad_id"])

	body, err := json.Marshal(map[string]any{"modalities": []string{"document"}})
	require.NoError(t, err)
	resp, err := http.Post(base+"/v1/peer/hexads", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded struct {
		Hexads []*types.Hexad `json:"hexads"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Len(t, decoded.Hexads, 1)
}

func TestRegistrationDisabledWithoutRegistrar(t *testing.T) {
	base, _ := startServer(t)

	body, err := json.Marshal(map[string]any{
		"peer": &types.Peer{StoreID: "p1"},
		"key":  "anything",
	})
	require.NoError(t, err)
	resp, err := http.Post(base+"/v1/peer/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	base, _ := startServer(t)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
