// Package api exposes HTTP handlers for the vote ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"example.com/ledger/internal/auth"
	"example.com/ledger/internal/domain"
	"example.com/ledger/internal/logging"
	"example.com/ledger/internal/persistence"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxBodyBytes    = 1 << 12
	retryAfter      = "1"
)

// Ledger is the slice of domain.Ledger the handlers depend on.
type Ledger interface {
	SubmitVote(ctx context.Context, input domain.SubmitVoteInput) (*domain.VoteResult, error)
	GetTally(ctx context.Context, topicID int64) (domain.Tally, error)
	GetStreak(ctx context.Context, userID int64) (domain.UserStreak, error)
	ListAchievements(ctx context.Context, userID int64) ([]domain.AchievementGrant, error)
	ListVotes(ctx context.Context, userID int64, cursor *domain.Cursor, limit int) ([]domain.Vote, *domain.Cursor, error)
	Catalog() []domain.AchievementDefinition
}

// Handler coordinates HTTP requests with the ledger.
type Handler struct {
	ledger Ledger
	logger *logging.Logger
}

// NewHandler builds a Handler.
func NewHandler(ledger Ledger, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/topics/{topicID}/votes", h.submitVote)
	mux.HandleFunc("GET /v1/topics/{topicID}/tally", h.getTally)
	mux.HandleFunc("GET /v1/me/streak", h.getStreak)
	mux.HandleFunc("GET /v1/me/achievements", h.listAchievements)
	mux.HandleFunc("GET /v1/me/votes", h.listVotes)
	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) submitVote(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeVotesWrite)
	if !ok {
		return
	}

	topicID, ok := topicIDFromPath(w, r)
	if !ok {
		return
	}

	var req SubmitVoteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	result, err := h.ledger.SubmitVote(r.Context(), domain.SubmitVoteInput{
		UserID:  claims.UserID,
		TopicID: topicID,
		Choice:  req.Choice,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == domain.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, toVoteResponse(topicID, *result, h.titles()))
}

func (h *Handler) getTally(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeVotesRead, auth.ScopeVotesWrite); !ok {
		return
	}
	topicID, ok := topicIDFromPath(w, r)
	if !ok {
		return
	}

	tally, err := h.ledger.GetTally(r.Context(), topicID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTallyView(topicID, tally))
}

func (h *Handler) getStreak(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeVotesRead, auth.ScopeVotesWrite)
	if !ok {
		return
	}

	streak, err := h.ledger.GetStreak(r.Context(), claims.UserID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStreakView(streak))
}

func (h *Handler) listAchievements(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeVotesRead, auth.ScopeVotesWrite)
	if !ok {
		return
	}

	grants, err := h.ledger.ListAchievements(r.Context(), claims.UserID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	titles := h.titles()
	items := make([]AchievementView, 0, len(grants))
	for _, g := range grants {
		items = append(items, AchievementView{
			AchievementID: g.AchievementID,
			Title:         titles[g.AchievementID],
			GrantedAt:     g.GrantedAt,
		})
	}
	writeJSON(w, http.StatusOK, ListAchievementsResponse{Items: items})
}

func (h *Handler) listVotes(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeVotesRead, auth.ScopeVotesWrite)
	if !ok {
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	votes, next, err := h.ledger.ListVotes(r.Context(), claims.UserID, cursor, limit)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	items := make([]VoteView, 0, len(votes))
	for _, v := range votes {
		items = append(items, toVoteView(v))
	}
	writeJSON(w, http.StatusOK, ListVotesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) titles() map[string]string {
	catalog := h.ledger.Catalog()
	out := make(map[string]string, len(catalog))
	for _, def := range catalog {
		out[def.ID] = def.Title
	}
	return out
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidChoice):
		writeError(w, http.StatusBadRequest, "invalid_choice", "choice must be A or B")
	case errors.Is(err, domain.ErrTopicNotFound):
		writeError(w, http.StatusNotFound, "topic_not_found", "topic not found")
	case errors.Is(err, domain.ErrTopicClosed):
		writeError(w, http.StatusConflict, "topic_closed", "topic is not accepting votes")
	case errors.Is(err, domain.ErrTransientStore):
		w.Header().Set("Retry-After", retryAfter)
		writeError(w, http.StatusServiceUnavailable, "transient_store", "ledger is busy, retry later")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		w.WriteHeader(499)
	default:
		h.logger.Error("ledger request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+strings.Join(scopes, " or ")+" required")
	return nil, false
}

func topicIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	topicID, err := strconv.ParseInt(r.PathValue("topicID"), 10, 64)
	if err != nil || topicID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "topic id must be a positive integer")
		return 0, false
	}
	return topicID, true
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
