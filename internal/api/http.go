package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/mnemo/internal/engine"
	"github.com/kalambet/mnemo/internal/pipeline"
	"github.com/kalambet/mnemo/internal/retrieval"
	"github.com/kalambet/mnemo/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Responder answers a question for an owner.
type Responder interface {
	Respond(ctx context.Context, owner, question string) (pipeline.Response, error)
}

// Recaller searches the semantic index with scores.
type Recaller interface {
	SearchScored(ctx context.Context, collection, query string, topK int) ([]retrieval.ScoredRecord, error)
}

// AnswerObserver records answer outcomes.
type AnswerObserver interface {
	ObserveAnswer(d time.Duration, err error)
}

// Deps holds what the HTTP and MCP surfaces need.
type Deps struct {
	Responder Responder
	Memory    pipeline.Memory
	Index     Recaller // optional; recall is unavailable when nil
	Health    func(ctx context.Context) error
	Metrics   http.Handler // optional; served unauthenticated at /metrics
	Observer  AnswerObserver
}

func (d Deps) observe(start time.Time, err error) {
	if d.Observer != nil {
		d.Observer.ObserveAnswer(time.Since(start), err)
	}
}

// NewHandler returns the HTTP API. When token is non-empty every /v1 route
// requires it as a bearer token.
func NewHandler(deps Deps, token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if token != "" {
			r.Use(BearerAuth(token))
		}
		r.Post("/chat", handleChat(deps))
		r.Get("/chat/ws", handleChatWS(deps))
		r.Get("/history/{owner}", handleHistory(deps))
		r.Post("/recall", handleRecall(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r.Context()); err != nil {
				httpError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// ChatRequest is the body of POST /v1/chat and of each websocket message.
type ChatRequest struct {
	Owner    string `json:"owner"`
	Question string `json:"question"`
}

// ChatResponse is returned for an answered question.
type ChatResponse struct {
	Answer   string `json:"answer"`
	TicketID string `json:"ticket_id,omitempty"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		start := time.Now()
		resp, err := deps.Responder.Respond(r.Context(), req.Owner, req.Question)
		deps.observe(start, err)
		if err != nil {
			code, typ := errorStatus(err)
			httpError(w, code, typ, "%s", pipeline.UserMessage(err))
			return
		}
		writeJSON(w, http.StatusOK, chatResponse(resp))
	}
}

func chatResponse(resp pipeline.Response) ChatResponse {
	out := ChatResponse{Answer: resp.Answer}
	if resp.Ticket != nil {
		out.TicketID = resp.Ticket.ID
	}
	return out
}

// errorStatus maps a Respond error to an HTTP status and error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyInput):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, engine.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// HistoryTurn is one turn in a history response.
type HistoryTurn struct {
	ID        int64  `json:"id"`
	User      string `json:"user"`
	Assistant string `json:"assistant"`
	CreatedAt string `json:"created_at"`
}

// HistorySummary is one summary in a history response.
type HistorySummary struct {
	ID        int64  `json:"id"`
	Audience  string `json:"audience"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// HistoryResponse is returned by GET /v1/history/{owner}.
type HistoryResponse struct {
	Owner     string           `json:"owner"`
	Turns     []HistoryTurn    `json:"turns"`
	Summaries []HistorySummary `json:"summaries"`
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "owner")
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, 500)
		}

		hist, err := readHistory(r.Context(), deps.Memory, owner, limit)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "reading history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, hist)
	}
}

func readHistory(ctx context.Context, mem pipeline.Memory, owner string, limit int) (HistoryResponse, error) {
	turns, err := mem.RecentTurns(ctx, owner, limit)
	if err != nil {
		return HistoryResponse{}, err
	}
	summaries, err := mem.RecentSummaries(ctx, owner, storage.AudienceUser, limit)
	if err != nil {
		return HistoryResponse{}, err
	}

	out := HistoryResponse{Owner: owner, Turns: []HistoryTurn{}, Summaries: []HistorySummary{}}
	for _, t := range turns {
		out.Turns = append(out.Turns, HistoryTurn{
			ID:        t.ID,
			User:      t.UserMessage,
			Assistant: t.BotResponse,
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	for _, s := range summaries {
		out.Summaries = append(out.Summaries, HistorySummary{
			ID:        s.ID,
			Audience:  string(s.Audience),
			Text:      s.Text,
			CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// RecallRequest is the body of POST /v1/recall. Scope is "user" (the
// default, requires Owner) or "general".
type RecallRequest struct {
	Owner string `json:"owner"`
	Query string `json:"query"`
	Scope string `json:"scope"`
	Limit int    `json:"limit"`
}

// RecallHit is one semantic search result.
type RecallHit struct {
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

func handleRecall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RecallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		hits, err := recall(r.Context(), deps.Index, req)
		if err != nil {
			var bad badRequest
			if errors.As(err, &bad) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			httpError(w, http.StatusServiceUnavailable, "unavailable", "recall failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": hits})
	}
}

type badRequest string

func (b badRequest) Error() string { return string(b) }

func recall(ctx context.Context, idx Recaller, req RecallRequest) ([]RecallHit, error) {
	if idx == nil {
		return nil, errors.New("semantic index not configured")
	}
	if req.Query == "" {
		return nil, badRequest("query is required")
	}

	var collection string
	switch req.Scope {
	case "", "user":
		if req.Owner == "" {
			return nil, badRequest("owner is required for user scope")
		}
		collection = retrieval.UserCollection(req.Owner)
	case "general":
		collection = retrieval.GeneralCollection
	default:
		return nil, badRequest(fmt.Sprintf("unknown scope %q", req.Scope))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = retrieval.DefaultTopK
	}
	limit = min(limit, 50)

	found, err := idx.SearchScored(ctx, collection, req.Query, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]RecallHit, len(found))
	for i, f := range found {
		hits[i] = RecallHit{Text: f.Text, Score: f.Score}
	}
	return hits, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
