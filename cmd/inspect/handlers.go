package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"bingx-discord-relay/internal/models"
	"bingx-discord-relay/internal/relay"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log     *zap.Logger
	db      *gorm.DB
	cursors relay.CursorStore
	letters *relay.GormDispatchLog
	now     func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{
		log:     log,
		db:      db,
		cursors: relay.NewCursorStore(db),
		letters: relay.NewDispatchLog(db),
		now:     time.Now,
	}
}

// CursorResponse is the body of /api/cursor.
type CursorResponse struct {
	Cursor     string `json:"cursor"`
	OccurredAt string `json:"occurred_at,omitempty"`
	EventID    string `json:"event_id,omitempty"`
}

// CursorHandler returns the committed relay cursor.
func (h *APIHandler) CursorHandler(w http.ResponseWriter, r *http.Request) {
	c, err := h.cursors.Load(r.Context())
	if err != nil {
		h.log.Error("Failed to load cursor", zap.Error(err))
		http.Error(w, "Failed to load cursor", http.StatusInternalServerError)
		return
	}
	resp := CursorResponse{Cursor: c.String(), EventID: c.EventID}
	if !c.IsZero() {
		resp.OccurredAt = c.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, h.log, resp)
}

// DeadLettersHandler returns dropped notifications, newest first.
func (h *APIHandler) DeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := h.letters.DeadLetters(r.Context(), limitParam(r))
	if err != nil {
		h.log.Error("Failed to get dead letters from database", zap.Error(err))
		http.Error(w, "Failed to get dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.log, rows)
}

// DeliveriesHandler returns dispatch outcomes, newest first, optionally
// filtered by ?status=.
func (h *APIHandler) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	q := h.db.WithContext(r.Context()).Order("id desc").Limit(limitParam(r))
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []models.DispatchLog
	if err := q.Find(&rows).Error; err != nil {
		h.log.Error("Failed to get deliveries from database", zap.Error(err))
		http.Error(w, "Failed to get deliveries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.log, rows)
}

// StatsDetail holds dispatch counts for a given period.
type StatsDetail struct {
	Delivered    int64   `json:"delivered"`
	Dropped      int64   `json:"dropped"`
	Aborted      int64   `json:"aborted"`
	DeliveryRate float64 `json:"delivery_rate"`
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler counts dispatch outcomes.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	since24h := h.now().Add(-24 * time.Hour)

	var rows []models.DispatchLog
	if err := h.db.WithContext(r.Context()).Select("status", "created_at").Find(&rows).Error; err != nil {
		h.log.Error("Failed to get deliveries for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	var stats24h, statsAllTime StatsDetail
	for _, row := range rows {
		statsAllTime.add(row.Status)
		if row.CreatedAt.After(since24h) {
			stats24h.add(row.Status)
		}
	}
	stats24h.finish()
	statsAllTime.finish()

	writeJSON(w, h.log, StatisticsResponse{Since24h: stats24h, AllTime: statsAllTime})
}

func (s *StatsDetail) add(status string) {
	switch status {
	case models.DispatchDelivered:
		s.Delivered++
	case models.DispatchDropped:
		s.Dropped++
	case models.DispatchAborted:
		s.Aborted++
	}
}

func (s *StatsDetail) finish() {
	if final := s.Delivered + s.Dropped; final > 0 {
		s.DeliveryRate = float64(s.Delivered) / float64(final)
	}
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to write response", zap.Error(err))
	}
}
