// internal/server/server.go
package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/biglietteria/sigillo-bridge/internal/config"
	"github.com/biglietteria/sigillo-bridge/internal/logbuf"
	"github.com/biglietteria/sigillo-bridge/internal/reader"
	"github.com/biglietteria/sigillo-bridge/internal/relay"
	"github.com/biglietteria/sigillo-bridge/internal/seal"
	"github.com/biglietteria/sigillo-bridge/internal/session"
)

// Handler is the local command surface consumed by the UI layer.
// It owns no hardware and no connection: it translates HTTP calls into
// session and relay operations and streams observations back out.
type Handler struct {
	session *session.Session
	relay   *relay.Client
	store   *config.Store
	logs    *logbuf.Buffer
	logger  *slog.Logger

	mu       sync.Mutex
	relayCfg config.RelayConfig
}

// New wires the command surface. relayCfg is the configuration in effect at
// startup (file or persisted state).
func New(
	sess *session.Session,
	rc *relay.Client,
	store *config.Store,
	logs *logbuf.Buffer,
	relayCfg config.RelayConfig,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		session:  sess,
		relay:    rc,
		store:    store,
		logs:     logs,
		logger:   logger.With("component", "server"),
		relayCfg: relayCfg,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.getStatus)
		r.Post("/bridge/start", h.startBridge)
		r.Post("/bridge/stop", h.stopBridge)
		r.Post("/reader/probe", h.probeReader)
		r.Post("/reader/read", h.readCard)
		r.Post("/seal", h.computeSeal)
		r.Get("/relay/config", h.getRelayConfig)
		r.Put("/relay/config", h.setRelayConfig)
		r.Post("/relay/disconnect", h.disconnectRelay)
		r.Get("/logs", h.getLogs)
		r.Get("/logs/stream", h.streamLogs)
		r.Get("/status/stream", h.streamStatus)
	})
	return r
}

// ---- status ----

type statusResponse struct {
	Bridge session.StatusSnapshot `json:"bridge"`
	Relay  string                 `json:"relay"`
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Bridge: h.session.Status(),
		Relay:  h.relay.State().String(),
	})
}

// ---- bridge lifecycle ----

func (h *Handler) startBridge(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Start(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stopBridge(w http.ResponseWriter, r *http.Request) {
	h.session.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// ---- reader operations ----

func (h *Handler) probeReader(w http.ResponseWriter, r *http.Request) {
	st, err := h.session.ProbeNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type cardResponse struct {
	SerialNumber string `json:"serialNumber"`
	Counter      uint32 `json:"counter"`
	Balance      uint32 `json:"balance"`
	KeyID        byte   `json:"keyId"`
	Slot         int    `json:"slot"`
}

func (h *Handler) readCard(w http.ResponseWriter, r *http.Request) {
	cs, err := h.session.ReadNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cardResponse{
		SerialNumber: cs.Serial,
		Counter:      cs.Counter,
		Balance:      cs.Balance,
		KeyID:        cs.KeyID,
		Slot:         cs.Slot,
	})
}

// ---- seal ----

type sealRequestBody struct {
	Price     json.Number `json:"price"`
	Timestamp string      `json:"timestamp"`
}

type sealResponse struct {
	Mac          string `json:"mac"`
	SerialNumber string `json:"serialNumber"`
	Counter      uint32 `json:"counter"`
	Price        string `json:"price"`
	Timestamp    string `json:"timestamp"`
}

func (h *Handler) computeSeal(w http.ResponseWriter, r *http.Request) {
	var body sealRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}

	cents, err := seal.ParsePrice(body.Price.String())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ts := time.Now()
	if body.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339, body.Timestamp)
		if err != nil {
			writeBadRequest(w, fmt.Sprintf("invalid timestamp: %v", err))
			return
		}
	}

	res, err := h.session.RequestSeal(r.Context(), seal.Request{PriceCents: cents, Timestamp: ts})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sealResponse{
		Mac:          hex.EncodeToString(res.MAC[:]),
		SerialNumber: res.Serial,
		Counter:      res.Counter,
		Price:        seal.FormatPrice(cents),
		Timestamp:    ts.UTC().Format(time.RFC3339),
	})
}

// ---- relay configuration ----

func (h *Handler) getRelayConfig(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cfg := h.relayCfg
	h.mu.Unlock()

	cfg.AuthToken = redactToken(cfg.AuthToken)
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) setRelayConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.RelayConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if err := config.ValidateRelay(cfg); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := h.store.Save(cfg); err != nil {
		h.logger.Error("relay config persist failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "persist failed"})
		return
	}

	h.mu.Lock()
	h.relayCfg = cfg
	h.mu.Unlock()

	h.relay.Apply(cfg)
	h.logger.Info("relay config updated", "enabled", cfg.Enabled, "server", cfg.ServerURL)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) disconnectRelay(w http.ResponseWriter, r *http.Request) {
	h.relay.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

// ---- logs ----

func (h *Handler) getLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.logs.ExportAll())
}

func (h *Handler) streamLogs(w http.ResponseWriter, r *http.Request) {
	ch, cancel := h.logs.Subscribe(64)
	defer cancel()
	streamSSE(w, r, func() (any, bool) {
		select {
		case e, ok := <-ch:
			return e, ok
		case <-r.Context().Done():
			return nil, false
		}
	})
}

func (h *Handler) streamStatus(w http.ResponseWriter, r *http.Request) {
	ch, cancel := h.session.SubscribeStatus(16)
	defer cancel()

	first := true
	streamSSE(w, r, func() (any, bool) {
		if first {
			first = false
			return h.session.Status(), true
		}
		select {
		case s, ok := <-ch:
			return s, ok
		case <-r.Context().Done():
			return nil, false
		}
	})
}

// streamSSE writes server-sent events until next reports done.
func streamSSE(w http.ResponseWriter, r *http.Request, next func() (any, bool)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		v, ok := next()
		if !ok {
			return
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
			return
		}
		flusher.Flush()
	}
}

// ---- helpers ----

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case errors.Is(err, session.ErrNoCard),
		errors.Is(err, reader.ErrCardAbsent),
		errors.Is(err, reader.ErrCardRemoved):
		code = http.StatusConflict
	case errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, session.ErrStopped):
		code = http.StatusConflict
	case errors.Is(err, reader.ErrReaderUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, reader.ErrHardwareFault):
		code = http.StatusBadGateway
	default:
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// redactToken keeps a recognizable suffix for the UI.
func redactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}
