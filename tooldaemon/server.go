package tooldaemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/domeai/dome/tooldaemon/toolregistry"
	"github.com/domeai/dome/tooldaemon/wire"
)

// rpcRequest is one JSON-RPC 2.0 style request frame. The tool daemon
// speaks hand-rolled JSON-RPC over a Unix-domain socket or TCP listener
// rather than a generated protocol, matching the rest of the module's
// hand-written wire layers.
type rpcRequest struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server exposes a Service over HTTP-framed JSON-RPC: one POST per call at
// "/rpc", and a POST at "/rpc/stream" that streams StreamJobEvents as
// newline-delimited JSON.
type Server struct {
	svc *Service
}

// NewServer wraps svc as an HTTP handler.
func NewServer(svc *Service) *Server { return &Server{svc: svc} }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/rpc" && r.Method == http.MethodPost:
		s.handleRPC(w, r)
	case r.URL.Path == "/rpc/stream" && r.Method == http.MethodPost:
		s.handleStream(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, rpcResponse{Error: &rpcError{Code: int(wire.ErrorInvalidRequest), Message: "malformed request body"}})
		return
	}
	result, rpcErr := s.dispatch(r.Context(), req)
	if rpcErr != nil {
		writeJSON(w, rpcResponse{ID: req.ID, Error: rpcErr})
		return
	}
	writeJSON(w, rpcResponse{ID: req.ID, Result: result})
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "Health":
		h := s.svc.Health(ctx)
		return wire.HealthResponse{Status: wire.OKStatus("ok"), TS: h.TS, DaemonVersion: h.DaemonVersion}, nil

	case "ListCapabilities":
		var p wire.ListCapabilitiesRequest
		_ = json.Unmarshal(req.Params, &p)
		c := s.svc.ListCapabilities(ctx, p.Profile)
		return wire.ListCapabilitiesResponse{
			Status: wire.OKStatus("ok"), ServerVersion: c.ServerVersion, APIVersions: c.APIVersions,
			Capabilities: []wire.Capability{{
				Name: c.Name, Version: c.Version, SchemaVersion: c.SchemaVersion,
				FeatureFlags: c.FeatureFlags, ToolCount: c.ToolCount,
			}},
		}, nil

	case "ListTools":
		tools := s.svc.ListTools(ctx)
		out := make([]wire.ToolDescriptor, len(tools))
		for i, t := range tools {
			out[i] = toWireTool(t)
		}
		return wire.ListToolsResponse{Status: wire.OKStatus("ok"), Tools: out}, nil

	case "GetTool":
		var p wire.GetToolRequest
		_ = json.Unmarshal(req.Params, &p)
		t, err := s.svc.GetTool(ctx, p.ToolID)
		if err != nil {
			return wire.GetToolResponse{Status: wire.ErrStatus(wire.ErrorNotFound, err.Error(), false)}, nil
		}
		wt := toWireTool(t)
		return wire.GetToolResponse{Status: wire.OKStatus("ok"), Tool: &wt}, nil

	case "SkillExecute":
		var p wire.SkillExecuteRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: int(wire.ErrorInvalidRequest), Message: "malformed params"}
		}
		result, err := s.svc.SkillExecute(ctx, SkillExecuteParams{
			SkillID: p.SkillID, Profile: p.Profile, IdempotencyKey: p.IdempotencyKey,
			Task: p.TaskJSON, Constraints: p.ConstraintsJSON,
		})
		if err != nil {
			return nil, &rpcError{Code: int(wire.ErrorUnspecified), Message: err.Error()}
		}
		return wire.SkillExecuteResponse{
			Status: result.Status, RunID: result.RunID, JobID: result.JobID, State: result.State,
		}, nil

	case "GetJobStatus":
		var p wire.GetJobStatusRequest
		_ = json.Unmarshal(req.Params, &p)
		result, err := s.svc.GetJobStatus(ctx, p.JobID)
		if err != nil {
			return nil, &rpcError{Code: int(wire.ErrorUnspecified), Message: err.Error()}
		}
		return wire.GetJobStatusResponse{
			Status: result.Status, RunID: result.RunID, JobID: result.JobID, State: result.State,
			Artifacts: result.Artifacts,
			Provenance: wire.RunProvenance{
				Repo: result.Provenance.Repo, CommitSHA: result.Provenance.CommitSHA,
				DirtyFlag: result.Provenance.DirtyFlag, InputHash: result.Provenance.InputHash,
				EnvFingerprint: result.Provenance.EnvFingerprint,
			},
		}, nil

	case "CancelJob":
		var p wire.CancelJobRequest
		_ = json.Unmarshal(req.Params, &p)
		result, err := s.svc.CancelJob(ctx, p.JobID)
		if err != nil {
			return nil, &rpcError{Code: int(wire.ErrorUnspecified), Message: err.Error()}
		}
		return wire.CancelJobResponse{Status: result.Status, JobID: result.JobID, State: result.State}, nil

	default:
		return nil, &rpcError{Code: int(wire.ErrorInvalidRequest), Message: fmt.Sprintf("unknown method: %s", req.Method)}
	}
}

// handleStream services StreamJobEvents as newline-delimited JSON frames,
// flushing after each event so a follow=true caller observes them live.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var p wire.StreamJobEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	writer := bufio.NewWriter(w)
	defer writer.Flush()

	err := s.svc.StreamJobEvents(r.Context(), p.JobID, p.SinceSeq, p.Follow, 200*time.Millisecond, func(evt EventRecord) {
		frame := wire.StreamJobEventsResponse{
			Seq: evt.Seq, EventID: fmt.Sprintf("%s-%d", p.JobID, evt.Seq),
			TS: fmt.Sprintf("%.6f", float64(evt.TSEpoch)), RunID: "", JobID: p.JobID,
			EventType: string(evt.Type),
		}
		if payload, ok := evt.Payload.(map[string]any); ok {
			frame.PayloadJSON = payload
		}
		data, _ := json.Marshal(frame)
		writer.Write(data)
		writer.WriteByte('\n')
		writer.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	})
	if err != nil && err != io.EOF {
		return
	}
}

func toWireTool(t toolregistry.Tool) wire.ToolDescriptor {
	return wire.ToolDescriptor{
		ToolID: t.ToolID, Version: t.Version, Title: t.Title, ShortDescription: t.ShortDescription,
		Kind: t.Kind, Description: t.Description, InputSchemaRef: t.InputSchemaRef,
		OutputSchemaRef: t.OutputSchemaRef, ExecutorBackend: t.ExecutorBackend,
		Permissions: t.Permissions, SideEffects: t.SideEffects,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Endpoint resolves the daemon's bind target per the documented precedence:
// DOMED_ENDPOINT env var, else a Unix-domain socket at
// $XDG_RUNTIME_DIR/dome/domed.sock when that directory exists, else
// 127.0.0.1:50051.
func Endpoint() (network, address string) {
	if ep := os.Getenv("DOMED_ENDPOINT"); ep != "" {
		if filepath.IsAbs(ep) {
			return "unix", ep
		}
		return "tcp", ep
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		sockDir := filepath.Join(runtimeDir, "dome")
		if info, err := os.Stat(sockDir); err == nil && info.IsDir() {
			return "unix", filepath.Join(sockDir, "domed.sock")
		}
	}
	return "tcp", "127.0.0.1:50051"
}

// Listen opens the resolved endpoint, creating the parent directory for a
// Unix-domain socket if needed.
func Listen() (net.Listener, error) {
	network, address := Endpoint()
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return nil, fmt.Errorf("create socket directory: %w", err)
		}
		_ = os.Remove(address)
	}
	return net.Listen(network, address)
}
