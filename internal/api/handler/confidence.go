package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/cedh-data/internal/api/respond"
	"github.com/albapepper/cedh-data/internal/cache"
	"github.com/albapepper/cedh-data/internal/confidence"
)

// ConfidenceResponse is the body of the confidence endpoint.
type ConfidenceResponse struct {
	CommanderID string               `json:"commander_id"`
	CardID      string               `json:"card_id"`
	Card        confidence.Record    `json:"card"`
	Baseline    confidence.Record    `json:"baseline"`
	Breakdown   confidence.Breakdown `json:"breakdown"`
}

// GetConfidence scores a card's win-rate deviation within a commander.
// @Summary Card confidence score
// @Description Computes the 0-100 confidence that the card's win rate with this commander differs from the commander's baseline, from the weekly stat tables.
// @Tags confidence
// @Produce json
// @Param commanderID path string true "Commander ID"
// @Param cardID path string true "Card ID"
// @Param If-None-Match header string false "ETag for conditional request"
// @Success 200 {object} ConfidenceResponse
// @Success 304 "Not Modified"
// @Failure 500 {object} respond.ErrorResponse
// @Router /api/v1/confidence/{commanderID}/{cardID} [get]
func (h *Handler) GetConfidence(w http.ResponseWriter, r *http.Request) {
	commanderID := chi.URLParam(r, "commanderID")
	cardID := chi.URLParam(r, "cardID")
	if commanderID == "" || cardID == "" {
		respond.WriteError(w, http.StatusBadRequest, respond.CodeBadRequest, "commanderID and cardID are required")
		return
	}

	cacheKey := "confidence:" + commanderID + ":" + cardID
	if data, etag, ok := h.cache.Get(cacheKey); ok {
		if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
			respond.WriteNotModified(w, etag)
			return
		}
		respond.WriteJSON(w, data, etag, cache.TTLConfidence, true)
		return
	}

	card, baseline, err := h.records.Records(r.Context(), commanderID, cardID)
	if err != nil {
		slog.Error("Confidence records query failed", "commander_id", commanderID, "card_id", cardID, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, respond.CodeDB, "Failed to load weekly stats")
		return
	}

	data, err := json.Marshal(ConfidenceResponse{
		CommanderID: commanderID,
		CardID:      cardID,
		Card:        card,
		Baseline:    baseline,
		Breakdown:   confidence.Compute(card, baseline),
	})
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, respond.CodeInternal, "Failed to encode response")
		return
	}

	etag := h.cache.Set(cacheKey, data, cache.TTLConfidence)
	if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
		respond.WriteNotModified(w, etag)
		return
	}
	respond.WriteJSON(w, data, etag, cache.TTLConfidence, false)
}
