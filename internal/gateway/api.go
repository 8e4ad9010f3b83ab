// ABOUTME: HTTP API handlers for gate inventory and the audit trail
// ABOUTME: Read-only JSON endpoints consumed by dashboards and the CLI

package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/parkops/gatehouse/internal/registry"
	"github.com/parkops/gatehouse/internal/store"
)

// writeJSON encodes v to the response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding API response", "error", err)
	}
}

// writeAPIError sends a JSON error body.
func (g *Gateway) writeAPIError(w http.ResponseWriter, status int, msg string) {
	g.writeJSON(w, status, map[string]string{"error": msg})
}

// handleListGates returns every known gate, sorted by id.
func (g *Gateway) handleListGates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"gates": g.registry.List()})
}

// handleGetGate returns a single gate record by id.
func (g *Gateway) handleGetGate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	gateID := strings.TrimPrefix(r.URL.Path, "/api/gates/")
	if gateID == "" || strings.Contains(gateID, "/") {
		g.writeAPIError(w, http.StatusBadRequest, "invalid gate id")
		return
	}

	gate, err := g.registry.Get(gateID)
	if err != nil {
		if errors.Is(err, registry.ErrGateNotFound) {
			g.writeAPIError(w, http.StatusNotFound, "gate not found")
			return
		}
		g.writeAPIError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	resp := map[string]any{"gate": gate, "online": g.gates.IsOnline(gateID)}
	if snap, ok := g.sessions.Get(gateID); ok {
		resp["session"] = map[string]any{
			"state":      string(snap.State),
			"console_id": snap.ConsoleID,
		}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleListAudit returns audit entries, newest first. Supports gate_id,
// actor, action, since, until (RFC 3339), and limit query parameters.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	var filter store.AuditFilter
	if v := q.Get("gate_id"); v != "" {
		filter.GateID = &v
	}
	if v := q.Get("actor"); v != "" {
		filter.Actor = &v
	}
	if v := q.Get("action"); v != "" {
		filter.Action = &v
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.writeAPIError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.writeAPIError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		filter.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.writeAPIError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	entries, err := g.store.ListAudit(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing audit entries", "error", err)
		g.writeAPIError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
