package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "scriptbar/pkg/logx"

	"scriptbar/internal/queue"
	rtsup "scriptbar/internal/runtime/supervisor"
	"scriptbar/internal/sched"
	"scriptbar/internal/unit"
)

func (s *Server) routes(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	// Unauthenticated liveness endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(tokenAuth(cfg.Token))
		r.Route("/v1", func(r chi.Router) {
			r.Get("/units", s.handleUnits)
			r.Get("/units/{id}", s.handleUnit)
			r.Post("/units/{id}/refresh", s.handleRefresh)
			r.Post("/units/{id}/enable", s.handleEnable)
			r.Post("/units/{id}/disable", s.handleDisable)
			r.Post("/refresh", s.handleRefreshAll)
			r.Get("/events", s.handleEvents)
		})
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// tokenAuth accepts either "Authorization: Bearer <token>" or ?token=<token>.
// An empty configured token disables auth.
func tokenAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			if ah := r.Header.Get("Authorization"); ah != "" {
				const p = "Bearer "
				if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
					next.ServeHTTP(w, r)
					return
				}
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

type healthResponse struct {
	Status     string          `json:"status"`
	Uptime     int64           `json:"uptime_s"`
	Units      int             `json:"units"`
	Queue      queue.Snapshot  `json:"queue"`
	Goroutines *rtsup.Counters `json:"goroutines,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Units != nil {
		resp.Units = s.deps.Units.Len()
	}
	if s.deps.Queue != nil {
		resp.Queue = s.deps.Queue.Snapshot()
	}
	if s.deps.Sup != nil {
		c := s.deps.Sup.Counters()
		resp.Goroutines = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUnits lists unit snapshots. Hidden units are filtered out unless
// ?all=1 is given.
func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "1"
	snaps := s.deps.Units.Snapshots()
	out := make([]unit.Snapshot, 0, len(snaps))
	for _, sn := range snaps {
		if sn.Hidden && !all {
			continue
		}
		out = append(out, sn)
	}
	writeJSON(w, http.StatusOK, out)
}

type unitDetail struct {
	unit.Snapshot
	Content *string `json:"content"`
}

func (s *Server) handleUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, ok := s.deps.Units.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown unit")
		return
	}
	writeJSON(w, http.StatusOK, unitDetail{Snapshot: u.Snapshot(), Content: u.Content()})
}

type statusResponse struct {
	Status string `json:"status"`
}

// handleRefresh queues an immediate run, or with ?at=<RFC3339> arms a
// one-shot fire at the given time instead.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid at: "+err.Error())
			return
		}
		if err := s.deps.Sched.RefreshAt(id, at); err != nil {
			s.opError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, statusResponse{Status: "scheduled"})
		return
	}
	if err := s.deps.Sched.Refresh(id); err != nil {
		s.opError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "queued"})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sched.Enable(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.opError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "enabled"})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sched.Disable(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.opError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "disabled"})
}

type refreshAllResponse struct {
	Queued int `json:"queued"`
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Sched.RefreshAll()
	writeJSON(w, http.StatusAccepted, refreshAllResponse{Queued: n})
}

type eventView struct {
	At    time.Time `json:"at"`
	Kind  string    `json:"kind"`
	Unit  string    `json:"unit,omitempty"`
	Value string    `json:"value,omitempty"`
}

// handleEvents returns recent events, oldest first. Reads from persistent
// storage when configured, otherwise from the in-memory bus ring.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	out := make([]eventView, 0, limit)
	if s.deps.Store != nil {
		evs, err := s.deps.Store.RecentEvents(r.Context(), limit)
		if err != nil {
			s.log.Warn("event read failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "event read failed")
			return
		}
		for _, e := range evs {
			out = append(out, eventView{At: e.At, Kind: e.Kind, Unit: e.Unit, Value: e.Value})
		}
	} else if s.deps.Bus != nil {
		for _, e := range s.deps.Bus.Recent(limit) {
			out = append(out, eventView{At: e.Time, Kind: e.Type, Unit: e.Unit, Value: eventValue(e.Data)})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// eventValue renders a bus payload for the feed; the scheduler publishes
// strings but the bus contract is any.
func eventValue(d any) string {
	switch v := d.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (s *Server) opError(w http.ResponseWriter, err error) {
	if errors.Is(err, sched.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown unit")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
