package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/clearsign-labs/txgate/pkg/driver"
	"github.com/clearsign-labs/txgate/pkg/engine"
)

const maxBodyBytes = 1 << 20 // 1MB

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, r, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var plan engine.Plan
	if !decodeBody(w, r, &plan) {
		return
	}
	if len(plan.Actions) == 0 {
		WriteBadRequest(w, r, "plan has no actions")
		return
	}
	res, err := s.engine.CompilePlan(r.Context(), &plan)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type prepareRequest struct {
	Chain   string         `json:"chain,omitempty"`
	Adapter string         `json:"adapter"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Adapter == "" || req.Action == "" {
		WriteBadRequest(w, r, "adapter and action are required")
		return
	}
	// The daemon serves one chain; a mismatched request is a caller bug, not
	// a routing instruction.
	if req.Chain != "" && req.Chain != s.chain {
		WriteBadRequest(w, r, fmt.Sprintf("this daemon serves chain %q, not %q", s.chain, req.Chain))
		return
	}
	res, err := s.engine.Prepare(r.Context(), engine.PrepareRequest{
		Adapter: req.Adapter,
		Action:  req.Action,
		Params:  req.Params,
	})
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type executeResponse struct {
	ReceiptID string `json:"receiptId"`
	// Signature aliases ReceiptID for chains whose receipt is a signature.
	Signature string `json:"signature"`
	TraceID   string `json:"traceId"`
	Replayed  bool   `json:"replayed,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req engine.ExecuteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PreparedID == "" {
		WriteBadRequest(w, r, "preparedId is required")
		return
	}
	res, err := s.engine.Execute(r.Context(), req)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		ReceiptID: res.ReceiptID,
		Signature: res.ReceiptID,
		TraceID:   res.TraceID,
		Replayed:  res.Replayed,
	})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetArtifact(r.PathValue("preparedId"))
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.Trace(r.PathValue("traceId"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			WriteNotFound(w, r, "unknown trace")
			return
		}
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type adapterCapabilities struct {
	Adapter      string              `json:"adapter"`
	Capabilities []driver.Capability `json:"capabilities"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	var out []adapterCapabilities
	for _, id := range s.drivers.Adapters() {
		d, err := s.drivers.Resolve(id)
		if err != nil {
			continue
		}
		caps, err := d.ListCapabilities(r.Context())
		if err != nil {
			WriteInternal(w, r, fmt.Errorf("capabilities for %s: %w", id, err))
			return
		}
		out = append(out, adapterCapabilities{Adapter: id, Capabilities: caps})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chain":    s.chain,
		"network":  s.network,
		"adapters": out,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"chain":   s.chain,
		"network": s.network,
	})
}
