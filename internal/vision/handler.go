package vision

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/visiontalk/internal/observe"
)

// DefaultMaxBodyBytes bounds the /analyze-image request body.
const DefaultMaxBodyBytes = 50 << 20

// analyzeFailed is the only failure detail exposed to callers; the cause is
// logged server-side.
const analyzeFailed = "Could not analyze the image"

// AnalyzeRequest is the POST /analyze-image body.
type AnalyzeRequest struct {
	// Image is a base64-encoded JPEG without the data URL prefix.
	Image    string `json:"image"`
	Question string `json:"question"`
}

// AnalyzeResponse is the success body.
type AnalyzeResponse struct {
	Answer string `json:"answer"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves POST /analyze-image.
type Handler struct {
	asker        Asker
	maxBodyBytes int64
}

// NewHandler returns a Handler answering with asker. maxBodyBytes <= 0 uses
// [DefaultMaxBodyBytes].
func NewHandler(asker Asker, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{asker: asker, maxBodyBytes: maxBodyBytes}
}

// Register adds the route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /analyze-image", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	var req AnalyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		log.Warn("vision: invalid request body", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: analyzeFailed})
		return
	}
	if strings.TrimSpace(req.Image) == "" {
		log.Warn("vision: request without image")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: analyzeFailed})
		return
	}

	answer, err := h.asker.Analyze(r.Context(), req.Image, req.Question)
	if err != nil {
		log.Error("vision: analyze failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: analyzeFailed})
		return
	}
	writeJSON(w, http.StatusOK, AnalyzeResponse{Answer: answer})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode"}`, http.StatusInternalServerError)
	}
}
