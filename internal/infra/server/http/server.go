// Package httpserver exposes the live surface, the view controls and the snapshot archive over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/volsurface/errs"
	"github.com/coachpo/volsurface/internal/app/surface"
	"github.com/coachpo/volsurface/internal/app/viewer"
	"github.com/coachpo/volsurface/internal/domain/surfacestore"
	"github.com/coachpo/volsurface/internal/infra/logging"
)

const maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

// Archive is the snapshot store surface exposed over HTTP.
type Archive interface {
	viewer.Saver
	Recent(ctx context.Context, symbol string, limit int) ([]surfacestore.SnapshotRecord, error)
	Detail(ctx context.Context, id int64) (surface.SnapshotDetail, error)
	UpdateNote(ctx context.Context, id int64, note *string) error
	Delete(ctx context.Context, id int64) error
}

// Dependencies wires the handler. Archive may be nil when persistence is disabled.
type Dependencies struct {
	Symbol  string
	Source  surface.SurfaceSource
	Viewer  *viewer.Viewer
	Archive Archive
	// Ready reports feed readiness for /healthz; nil means always ready.
	Ready func() error
	Log   *logrus.Entry
}

type httpServer struct {
	deps Dependencies
	log  *logrus.Entry
}

type notePayload struct {
	Note *string `json:"note"`
}

type lockPayload struct {
	Locked *bool `json:"locked"`
}

// NewHandler builds the chi router.
func NewHandler(deps Dependencies) http.Handler {
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	server := &httpServer{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(server.requestLogger)
	r.Use(withCORS)

	r.Get("/healthz", server.health)
	r.Get("/surface", server.getSurface)
	r.Get("/surface/frame", server.getFrame)
	r.Post("/view/lock", server.toggleLock)
	r.Put("/view/note", server.setNote)
	r.Route("/snapshots", func(r chi.Router) {
		r.Post("/", server.saveSnapshot)
		r.Get("/", server.listSnapshots)
		r.Get("/{id}", server.getSnapshot)
		r.Patch("/{id}", server.updateSnapshotNote)
		r.Delete("/{id}", server.deleteSnapshot)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"symbol":      s.deps.Symbol,
		"persistence": s.deps.Archive != nil,
	})
}

func (s *httpServer) getSurface(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Source == nil {
		writeError(w, http.StatusServiceUnavailable, "no live surface")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Source.CurrentSurface())
}

func (s *httpServer) getFrame(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Viewer == nil {
		writeError(w, http.StatusServiceUnavailable, "viewer not running")
		return
	}
	frame, ok := s.deps.Viewer.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no frame rendered yet")
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

func (s *httpServer) toggleLock(w http.ResponseWriter, r *http.Request) {
	if s.deps.Viewer == nil {
		writeError(w, http.StatusServiceUnavailable, "viewer not running")
		return
	}
	var payload lockPayload
	if err := decodeJSON(r, &payload, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state := s.deps.Viewer.State()
	var locked bool
	if payload.Locked != nil {
		state.SetLocked(*payload.Locked)
		locked = *payload.Locked
	} else {
		locked = state.ToggleLock()
	}
	s.log.WithField("locked", locked).Info("view lock changed")
	writeJSON(w, http.StatusOK, map[string]bool{"locked": locked})
}

func (s *httpServer) setNote(w http.ResponseWriter, r *http.Request) {
	if s.deps.Viewer == nil {
		writeError(w, http.StatusServiceUnavailable, "viewer not running")
		return
	}
	var payload notePayload
	if err := decodeJSON(r, &payload, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	note := ""
	if payload.Note != nil {
		note = *payload.Note
	}
	s.deps.Viewer.State().SetNote(note)
	writeJSON(w, http.StatusOK, map[string]string{"note": s.deps.Viewer.State().Note()})
}

func (s *httpServer) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.archiveReady(w) {
		return
	}
	if s.deps.Source == nil {
		writeError(w, http.StatusServiceUnavailable, "no live surface")
		return
	}
	var payload notePayload
	if err := decodeJSON(r, &payload, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		result surface.SaveResult
		err    error
	)
	switch {
	case payload.Note != nil:
		result, err = s.deps.Archive.SaveCurrent(r.Context(), s.deps.Source, payload.Note)
	case s.deps.Viewer != nil:
		result, err = s.deps.Viewer.State().Save(r.Context(), s.deps.Archive, s.deps.Source)
	default:
		result, err = s.deps.Archive.SaveCurrent(r.Context(), s.deps.Source, nil)
	}
	if err != nil {
		s.writeFailure(w, "save snapshot", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *httpServer) listSnapshots(w http.ResponseWriter, r *http.Request) {
	if !s.archiveReady(w) {
		return
	}
	query := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	records, err := s.deps.Archive.Recent(r.Context(), query.Get("symbol"), limit)
	if err != nil {
		s.writeFailure(w, "list snapshots", err)
		return
	}
	if records == nil {
		records = []surfacestore.SnapshotRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": records})
}

func (s *httpServer) getSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.archiveReady(w) {
		return
	}
	id, ok := snapshotID(w, r)
	if !ok {
		return
	}
	detail, err := s.deps.Archive.Detail(r.Context(), id)
	if err != nil {
		s.writeFailure(w, "get snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *httpServer) updateSnapshotNote(w http.ResponseWriter, r *http.Request) {
	if !s.archiveReady(w) {
		return
	}
	id, ok := snapshotID(w, r)
	if !ok {
		return
	}
	var payload notePayload
	if err := decodeJSON(r, &payload, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Archive.UpdateNote(r.Context(), id, payload.Note); err != nil {
		s.writeFailure(w, "update snapshot note", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "note": payload.Note})
}

func (s *httpServer) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.archiveReady(w) {
		return
	}
	id, ok := snapshotID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Archive.Delete(r.Context(), id); err != nil {
		s.writeFailure(w, "delete snapshot", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) archiveReady(w http.ResponseWriter) bool {
	if s.deps.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot persistence disabled")
		return false
	}
	return true
}

func (s *httpServer) writeFailure(w http.ResponseWriter, op string, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("operation", op).Error("request failed")
	}
	writeError(w, status, fmt.Sprintf("%s: %v", op, err))
}

func (s *httpServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(started).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func snapshotID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "snapshot id must be a positive integer")
		return 0, false
	}
	return id, true
}

// decodeJSON reads a bounded JSON body. An empty body is accepted only when optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return errors.New("request body required")
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body required")
		}
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
