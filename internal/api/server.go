// Package api exposes the bridge's read and write surfaces to the host
// platform over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/Lexorius/ontime-ha/internal/dispatch"
	"github.com/Lexorius/ontime-ha/internal/ontime"
	"github.com/Lexorius/ontime-ha/internal/transport"
)

// StateReader provides the live snapshot and connection status.
type StateReader interface {
	Current() ontime.Snapshot
}

// StatusReader reports the transport connection status.
type StatusReader interface {
	Status() transport.Status
}

// Handler serves the bridge HTTP API.
type Handler struct {
	state      StateReader
	status     StatusReader
	dispatcher *dispatch.Dispatcher
}

// NewHandler creates the API handler.
func NewHandler(state StateReader, status StatusReader, d *dispatch.Dispatcher) *Handler {
	return &Handler{state: state, status: status, dispatcher: d}
}

// Router builds the HTTP route table.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", h.State)
		r.Route("/playback", func(r chi.Router) {
			r.Post("/start", h.command(h.dispatcher.Start))
			r.Post("/pause", h.command(h.dispatcher.Pause))
			r.Post("/stop", h.command(h.dispatcher.Stop))
			r.Post("/reload", h.command(h.dispatcher.Reload))
			r.Post("/roll", h.command(h.dispatcher.Roll))
			r.Post("/next", h.command(h.dispatcher.Next))
			r.Post("/previous", h.command(h.dispatcher.Previous))
			r.Post("/load/{eventID}", h.LoadEvent)
			r.Post("/start/{eventID}", h.StartEvent)
			r.Post("/loadindex/{index}", h.LoadEventIndex)
			r.Post("/loadcue/{cue}", h.LoadEventCue)
			r.Post("/addtime/{direction}/{time}", h.AddTime)
		})
	})
	return cors.Default().Handler(r)
}

// healthResponse reports bridge liveness and link state.
type healthResponse struct {
	State     transport.ConnectionState `json:"state"`
	LastError string                    `json:"last_error,omitempty"`
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()
	resp := healthResponse{State: st.State}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// stateResponse is the snapshot as the host platform consumes it.
type stateResponse struct {
	TimerMS         *int64               `json:"timer_ms"`
	ElapsedMS       *int64               `json:"elapsed_ms"`
	Playback        ontime.PlaybackState `json:"playback"`
	CurrentEvent    *ontime.Event        `json:"current_event,omitempty"`
	ExpectedEnd     *time.Time           `json:"expected_end,omitempty"`
	Overtime        bool                 `json:"overtime"`
	OvertimeSeconds int64                `json:"overtime_seconds"`
}

// State handles GET /api/v1/state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	s := h.state.Current()
	writeJSON(w, http.StatusOK, stateResponse{
		TimerMS:         s.TimerMS,
		ElapsedMS:       s.ElapsedMS,
		Playback:        s.Playback,
		CurrentEvent:    s.CurrentEvent,
		ExpectedEnd:     s.ExpectedEnd,
		Overtime:        s.InOvertime(),
		OvertimeSeconds: s.OvertimeSeconds(),
	})
}

func (h *Handler) command(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.finish(w, op(r.Context()))
	}
}

// LoadEvent handles POST /api/v1/playback/load/{eventID}.
func (h *Handler) LoadEvent(w http.ResponseWriter, r *http.Request) {
	h.finish(w, h.dispatcher.LoadEvent(r.Context(), chi.URLParam(r, "eventID")))
}

// StartEvent handles POST /api/v1/playback/start/{eventID}.
func (h *Handler) StartEvent(w http.ResponseWriter, r *http.Request) {
	h.finish(w, h.dispatcher.StartEvent(r.Context(), chi.URLParam(r, "eventID")))
}

// LoadEventIndex handles POST /api/v1/playback/loadindex/{index}.
func (h *Handler) LoadEventIndex(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "event_index must be an integer")
		return
	}
	h.finish(w, h.dispatcher.LoadEventIndex(r.Context(), index))
}

// LoadEventCue handles POST /api/v1/playback/loadcue/{cue}.
func (h *Handler) LoadEventCue(w http.ResponseWriter, r *http.Request) {
	h.finish(w, h.dispatcher.LoadEventCue(r.Context(), chi.URLParam(r, "cue")))
}

// AddTime handles POST /api/v1/playback/addtime/{direction}/{time}.
func (h *Handler) AddTime(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.ParseInt(chi.URLParam(r, "time"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "time must be an integer of milliseconds")
		return
	}
	dir := dispatch.Direction(chi.URLParam(r, "direction"))
	h.finish(w, h.dispatcher.AddTime(r.Context(), ms, dir))
}

// finish maps a dispatcher result to an HTTP status: validation and
// state problems are the caller's fault, a server rejection is relayed
// with its reason, and transport failures say whether retrying may help.
func (h *Handler) finish(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"result": "accepted"})
		return
	}

	var (
		vErr *dispatch.ValidationError
		sErr *dispatch.StateError
		rej  *transport.Rejection
		tErr *transport.Error
	)
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Error())
	case errors.As(err, &sErr):
		writeError(w, http.StatusConflict, sErr.Error())
	case errors.As(err, &rej):
		writeError(w, http.StatusBadGateway, rej.Reason)
	case errors.As(err, &tErr) && tErr.Code == transport.CodeNotConnected:
		writeError(w, http.StatusServiceUnavailable, "not connected to ontime server")
	case errors.As(err, &tErr) && tErr.Code == transport.CodeTimeout:
		writeError(w, http.StatusGatewayTimeout, "command timed out")
	default:
		log.Error().Err(err).Msg("command failed")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
