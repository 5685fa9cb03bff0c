package tooldaemon_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/tooldaemon"
	"github.com/domeai/dome/tooldaemon/statestore/memory"
)

func TestEndpointPrefersDomedEndpointEnv(t *testing.T) {
	t.Setenv("DOMED_ENDPOINT", "127.0.0.1:9999")
	network, address := tooldaemon.Endpoint()
	require.Equal(t, "tcp", network)
	require.Equal(t, "127.0.0.1:9999", address)
}

func TestEndpointFallsBackToDefaultTCP(t *testing.T) {
	t.Setenv("DOMED_ENDPOINT", "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	network, address := tooldaemon.Endpoint()
	require.Equal(t, "tcp", network)
	require.Equal(t, "127.0.0.1:50051", address)
}

func newTestServer() *httptest.Server {
	svc := tooldaemon.NewService(memory.New(), nil, nil)
	return httptest.NewServer(tooldaemon.NewServer(svc))
}

func rpcCall(t *testing.T, url, method string, params any) map[string]any {
	t.Helper()
	paramsJSON, _ := json.Marshal(params)
	body, _ := json.Marshal(map[string]any{"method": method, "id": "1", "params": json.RawMessage(paramsJSON)})
	resp, err := http.Post(url+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServerHealthReturnsOK(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()
	out := rpcCall(t, srv.URL, "Health", map[string]any{})
	result := out["result"].(map[string]any)
	status := result["status"].(map[string]any)
	require.Equal(t, true, status["ok"])
}

func TestServerSkillExecuteNoop(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()
	out := rpcCall(t, srv.URL, "SkillExecute", map[string]any{
		"skill_id": "job.noop", "profile": "default", "idempotency_key": "k1",
	})
	require.Nil(t, out["error"])
	result := out["result"].(map[string]any)
	require.Equal(t, "succeeded", result["state"])
}

func TestServerUnknownMethodIsInvalidRequest(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()
	out := rpcCall(t, srv.URL, "NoSuchMethod", map[string]any{})
	require.NotNil(t, out["error"])
}

func TestServerGetJobStatusNotFound(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()
	out := rpcCall(t, srv.URL, "GetJobStatus", map[string]any{"job_id": "missing"})
	require.Nil(t, out["error"])
	result := out["result"].(map[string]any)
	status := result["status"].(map[string]any)
	require.Equal(t, false, status["ok"])
}
