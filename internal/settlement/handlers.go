package settlement

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/model"
	"github.com/gridprix/market-engine/internal/scoring"
	"github.com/gridprix/market-engine/internal/store"
)

// HandleSettleEvent handles POST /api/v1/events/{eventID}/settle
func (s *Service) HandleSettleEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	report, err := s.SettleEvent(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, "settlement failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandlePreviewEvent handles GET /api/v1/events/{eventID}/settlement-preview
func (s *Service) HandlePreviewEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	report, err := s.PreviewEvent(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, "preview failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleCloseEvent handles POST /api/v1/events/{eventID}/close
func (s *Service) HandleCloseEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	closed, err := s.CloseEventMarkets(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, "close failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": eventID, "closed": closed})
}

// --- Seeding endpoints: events, results, and scoring rules are stored here,
// never fetched from an external provider. ---

// CreateEventRequest is the JSON body for event creation.
type CreateEventRequest struct {
	SeasonID string    `json:"season_id"`
	Name     string    `json:"name"`
	Venue    string    `json:"venue"`
	StartAt  time.Time `json:"start_at"`
}

// HandleCreateEvent handles POST /api/v1/events
func (s *Service) HandleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SeasonID == "" || req.Name == "" {
		writeError(w, "season_id and name are required", http.StatusBadRequest)
		return
	}

	e := &model.Event{
		ID:        uuid.New().String(),
		SeasonID:  req.SeasonID,
		Name:      req.Name,
		Venue:     req.Venue,
		Status:    model.EventUpcoming,
		StartAt:   req.StartAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateEvent(r.Context(), e); err != nil {
		writeError(w, "failed to create event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// ResultRequest is the JSON body for result ingestion.
type ResultRequest struct {
	ParticipantID string             `json:"participant_id"`
	PrimaryScore  decimal.Decimal    `json:"primary_score"`
	Rank          int                `json:"rank"`
	Status        model.ResultStatus `json:"status"`
}

// HandlePutResult handles PUT /api/v1/events/{eventID}/results
func (s *Service) HandlePutResult(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" {
		writeError(w, "participant_id is required", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case model.ResultFinished, model.ResultDNF, model.ResultDisqualified:
	default:
		writeError(w, "status must be finished, dnf, or disqualified", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetEvent(r.Context(), eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "event not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load event", http.StatusInternalServerError)
		return
	}

	res := &model.EventResult{
		EventID:       eventID,
		ParticipantID: req.ParticipantID,
		PrimaryScore:  req.PrimaryScore,
		Rank:          req.Rank,
		Status:        req.Status,
	}
	if err := s.store.PutEventResult(r.Context(), res); err != nil {
		writeError(w, "failed to store result", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandlePutScoringRule handles PUT /api/v1/scoring-rules
func (s *Service) HandlePutScoringRule(w http.ResponseWriter, r *http.Request) {
	var rule scoring.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	switch rule.Formula {
	case scoring.LinearNormalized, scoring.Sigmoid, scoring.Piecewise:
	default:
		writeError(w, "formula must be linear_normalized, sigmoid, or piecewise", http.StatusBadRequest)
		return
	}

	if err := s.store.PutScoringRule(r.Context(), &rule); err != nil {
		writeError(w, "failed to store scoring rule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
