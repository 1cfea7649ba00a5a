package dvr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	initContentType     = "video/mp4"
	segmentContentType  = "video/iso.segment"

	headerStartDate  = "X-Dvr-Start-Date"
	headerDurationMs = "X-Dvr-Duration-Ms"
	headerGapRanges  = "X-Dvr-Gap-Ranges"

	// maxSliceBytes bounds a single uploaded capture slice.
	maxSliceBytes = 256 << 20
)

// Handler exposes the DVR's delivery channel and recording controls over HTTP.
type Handler struct {
	rec *Recorder
	log *slog.Logger
}

// NewHandler returns a Handler for rec.
func NewHandler(rec *Recorder, log *slog.Logger) *Handler {
	return &Handler{rec: rec, log: log}
}

// Routes mounts the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/playlist.m3u8", h.GetPlaylist)
	r.Get("/delta.m3u8", h.GetDeltaPlaylist)
	r.Get("/timeline", h.GetTimeline)
	r.Get("/units/{name}", h.GetUnit)
	r.Get("/gap/init.mp4", h.GetGapInit)
	r.Get("/gap/{filename}", h.GetGapSegment)
	r.Post("/recording/start", h.StartRecording)
	r.Post("/recording/stop", h.StopRecording)
	r.Post("/slices", h.IngestSlice)
}

type timelineResponse struct {
	StartDate  time.Time  `json:"startDate"`
	DurationMs int64      `json:"durationMs"`
	GapRanges  []GapRange `json:"gapRanges"`
}

func timelineOf(m Manifest) timelineResponse {
	gaps := m.Gaps
	if gaps == nil {
		gaps = []GapRange{}
	}
	return timelineResponse{StartDate: m.StartDate, DurationMs: m.Duration.Milliseconds(), GapRanges: gaps}
}

// GetPlaylist handles GET /playlist.m3u8. The _HLS_skip delivery directive
// selects the delta manifest.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("_HLS_skip") {
	case "YES", "v2":
		h.writeManifest(w, "delta", h.rec.Delta)
	default:
		h.writeManifest(w, "full", h.rec.Full)
	}
}

// GetDeltaPlaylist handles GET /delta.m3u8.
func (h *Handler) GetDeltaPlaylist(w http.ResponseWriter, r *http.Request) {
	h.writeManifest(w, "delta", h.rec.Delta)
}

func (h *Handler) writeManifest(w http.ResponseWriter, flavor string, build func() (Manifest, error)) {
	m, err := build()
	if err != nil {
		h.log.Error("manifest generation failed", slog.String("flavor", flavor), slog.String("error", err.Error()))
		w.WriteHeader(statusFor(err))
		return
	}

	gaps, _ := json.Marshal(timelineOf(m).GapRanges)
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(headerStartDate, m.StartDate.UTC().Format(time.RFC3339Nano))
	w.Header().Set(headerDurationMs, strconv.FormatInt(m.Duration.Milliseconds(), 10))
	w.Header().Set(headerGapRanges, string(gaps))
	w.WriteHeader(http.StatusOK)
	w.Write(m.Data)
}

// GetTimeline handles GET /timeline.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, timelineOf(h.rec.Timeline()))
}

// GetUnit handles GET /units/{name}.
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	kind, _, _, err := ParseName(name)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	data, err := h.rec.Unit(r.Context(), name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.log.Error("unit lookup failed", slog.String("unit", name), slog.String("error", err.Error()))
		}
		w.WriteHeader(statusFor(err))
		return
	}

	ct := segmentContentType
	if kind == KindInit {
		ct = initContentType
	}
	writeBytes(w, ct, data)
}

// GetGapInit handles GET /gap/init.mp4.
func (h *Handler) GetGapInit(w http.ResponseWriter, r *http.Request) {
	data, err := h.rec.GapInit()
	if err != nil {
		h.log.Error("gap init unavailable", slog.String("error", err.Error()))
		w.WriteHeader(statusFor(err))
		return
	}
	writeBytes(w, initContentType, data)
}

// GetGapSegment handles GET /gap/{filename}.
func (h *Handler) GetGapSegment(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	data, err := h.rec.GapSegment(r.Context(), filename)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.log.Error("gap segment unavailable", slog.String("filename", filename), slog.String("error", err.Error()))
		}
		w.WriteHeader(statusFor(err))
		return
	}
	writeBytes(w, segmentContentType, data)
}

type statusResponse struct {
	Status    Status `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
}

// StartRecording handles POST /recording/start.
func (h *Handler) StartRecording(w http.ResponseWriter, r *http.Request) {
	id, err := h.rec.Start(r.Context())
	if err != nil {
		h.log.Error("start recording failed", slog.String("error", err.Error()))
		w.WriteHeader(statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: StatusRecording, SessionID: id})
}

// StopRecording handles POST /recording/stop.
func (h *Handler) StopRecording(w http.ResponseWriter, r *http.Request) {
	h.rec.Stop()
	status, id := h.rec.Status()
	writeJSON(w, http.StatusOK, statusResponse{Status: status, SessionID: id})
}

// IngestSlice handles POST /slices with the raw captured slice as body.
func (h *Handler) IngestSlice(w http.ResponseWriter, r *http.Request) {
	if status, _ := h.rec.Status(); status != StatusRecording {
		w.WriteHeader(http.StatusConflict)
		return
	}

	blob, err := io.ReadAll(io.LimitReader(r.Body, maxSliceBytes+1))
	if err != nil || len(blob) == 0 {
		h.log.Debug("invalid slice body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(blob) > maxSliceBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	// The queue may drain slices other callers enqueued; a client going away
	// must not cancel their transcodes.
	if err := h.rec.Ingest(context.WithoutCancel(r.Context()), blob); err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrPlaceholdersNotLoaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTranscode):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeBytes(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
