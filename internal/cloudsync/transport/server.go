package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

const userHeader = "X-Agentdesk-User"

// maxBodyBytes bounds request bodies accepted by the handler.
const maxBodyBytes = 8 << 20

// NewHandler exposes tr over the HTTP API spoken by HTTPClient. The identity
// of each request comes from the X-Agentdesk-User header and the bearer
// token; requests without a user are served as signed out.
//
// If logger is nil, a default logger writing to stderr is used.
func NewHandler(tr Transport, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[cloud] ", log.LstdFlags)
	}
	h := &handler{tr: tr, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", h.health)
	mux.HandleFunc("POST /v1/sync/push", h.push)
	mux.HandleFunc("GET /v1/sync/state", h.state)
	mux.HandleFunc("GET /v1/sync/changes", h.changes)
	mux.HandleFunc("POST /v1/entities/{type}", h.create)
	mux.HandleFunc("PUT /v1/entities/{type}/{cloudId}", h.update)
	mux.HandleFunc("DELETE /v1/entities/{type}/{cloudId}", h.remove)
	return mux
}

type handler struct {
	tr     Transport
	logger *log.Logger
}

func identityFrom(r *http.Request) Identity {
	return Identity{
		UserID: strings.TrimSpace(r.Header.Get(userHeader)),
		Token:  strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.tr.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) push(w http.ResponseWriter, r *http.Request) {
	var changes ChangeSet
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&changes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Message: err.Error()})
		return
	}
	res, err := h.tr.PushChanges(r.Context(), identityFrom(r), changes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	snap, err := h.tr.GetFullState(r.Context(), identityFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) changes(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Message: "since must be milliseconds since the epoch"})
		return
	}
	snap, err := h.tr.GetChangesSince(r.Context(), identityFrom(r), time.UnixMilli(ms).UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.readRecord(w, r)
	if !ok {
		return
	}
	cloudID, err := h.tr.Create(r.Context(), identityFrom(r), rec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{CloudID: cloudID})
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.readRecord(w, r)
	if !ok {
		return
	}
	if err := h.tr.Update(r.Context(), identityFrom(r), r.PathValue("cloudId"), rec); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) remove(w http.ResponseWriter, r *http.Request) {
	t, err := schema.ParseEntityType(r.PathValue("type"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "unknown_type", Message: err.Error()})
		return
	}
	if err := h.tr.Remove(r.Context(), identityFrom(r), t, r.PathValue("cloudId")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) readRecord(w http.ResponseWriter, r *http.Request) (schema.Record, bool) {
	t, err := schema.ParseEntityType(r.PathValue("type"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "unknown_type", Message: err.Error()})
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Message: err.Error()})
		return nil, false
	}
	rec, err := schema.ParsePayload(t, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_payload", Message: err.Error()})
		return nil, false
	}
	return rec, true
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		resp := errorResponse{Code: "conflict", Message: err.Error()}
		if conflict.Current != nil {
			if data, encErr := schema.EncodeRecord(conflict.Current); encErr == nil {
				resp.Current = data
			}
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, schema.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "not_found", Message: err.Error()})
	case errors.Is(err, ErrUnreachable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "unavailable", Message: err.Error()})
	default:
		h.logger.Printf("Request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "internal", Message: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
