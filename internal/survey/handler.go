// internal/survey/handler.go
package survey

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Handler struct {
	repo  *Repository
	stats *StatsService
	log   *zap.Logger
}

func NewHandler(repo *Repository, stats *StatsService, log *zap.Logger) *Handler {
	return &Handler{repo: repo, stats: stats, log: log}
}

func (h *Handler) ListPolls(w http.ResponseWriter, r *http.Request) {
	polls, err := h.repo.ListPolls(r.Context())
	if err != nil {
		h.log.Error("list polls failed", zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(polls)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDVar(w, r)
	if !ok {
		return
	}
	stats, err := h.stats.PollStats(r.Context(), pollID)
	if err != nil {
		h.writeError(w, pollID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (h *Handler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDVar(w, r)
	if !ok {
		return
	}
	stats, err := h.stats.PollStats(r.Context(), pollID)
	if err != nil {
		h.writeError(w, pollID, err)
		return
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, *stats); err != nil {
		h.log.Error("csv export failed", zap.Uint("poll_id", pollID), zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"poll-%d.csv\"", pollID))
	w.Write(buf.Bytes())
}

func (h *Handler) writeError(w http.ResponseWriter, pollID uint, err error) {
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "Poll not found", http.StatusNotFound)
		return
	}
	h.log.Error("poll stats failed", zap.Uint("poll_id", pollID), zap.Error(err))
	http.Error(w, "Internal error", http.StatusInternalServerError)
}

func pollIDVar(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["pollID"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid poll id", http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}
