// Package pipeline answers a question with memory and hands the exchange to
// background persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mnemo/internal/composer"
	"github.com/kalambet/mnemo/internal/engine"
	"github.com/kalambet/mnemo/internal/persist"
	"github.com/kalambet/mnemo/internal/retrieval"
	"github.com/kalambet/mnemo/internal/storage"
)

// DefaultHistoryTurns is how many recent turns feed a prompt.
const DefaultHistoryTurns = 5

// ErrEmptyInput is returned when the owner or the question is blank.
var ErrEmptyInput = errors.New("owner and question are required")

// Memory is the read side of the relational store used while answering.
type Memory interface {
	RecentTurns(ctx context.Context, owner string, n int) ([]storage.ChatTurn, error)
	RecentSummaries(ctx context.Context, owner string, audience storage.Audience, n int) ([]storage.SummaryRecord, error)
}

// Searcher finds similar chunks in one collection.
type Searcher interface {
	Search(ctx context.Context, collection, query string) ([]string, error)
}

// Answerer assembles the memory prompt and produces the answer.
type Answerer interface {
	AssembleAndAnswer(ctx context.Context, question string, res composer.Resources) (string, error)
}

// Rewriter turns a question into a retrieval query.
type Rewriter interface {
	Rewrite(ctx context.Context, question string) string
}

// Submitter accepts background tasks.
type Submitter interface {
	Submit(t persist.Task) (*persist.Ticket, error)
}

// TaskBuilder creates the persistence task for an exchange.
type TaskBuilder interface {
	Task(ex persist.Exchange) persist.Task
}

// Config tunes the Responder.
type Config struct {
	HistoryTurns int

	// Rewriter, when set, rewrites the question before semantic search.
	Rewriter Rewriter
}

// Response is the answer to one question.
type Response struct {
	Answer string

	// Ticket tracks the background persistence of the exchange. It is nil
	// when the task could not be queued.
	Ticket *persist.Ticket

	Resources composer.Resources
	Duration  time.Duration
}

// Responder is the synchronous question path: read memory, search, answer,
// then submit persistence without waiting for it.
type Responder struct {
	memory   Memory
	index    Searcher
	answerer Answerer
	tasks    TaskBuilder
	queue    Submitter
	cfg      Config
	logger   *slog.Logger
}

// NewResponder wires a Responder. index may be nil to answer without
// semantic search.
func NewResponder(memory Memory, index Searcher, answerer Answerer, tasks TaskBuilder, queue Submitter, cfg Config) *Responder {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	return &Responder{
		memory:   memory,
		index:    index,
		answerer: answerer,
		tasks:    tasks,
		queue:    queue,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// Respond answers question for owner. Store and search failures degrade to
// empty resources; model failures are returned. The answer never waits for
// persistence, so a request that reads memory before an earlier task
// completes sees the state before that exchange.
func (r *Responder) Respond(ctx context.Context, owner, question string) (Response, error) {
	start := time.Now()
	owner = strings.TrimSpace(owner)
	if owner == "" || strings.TrimSpace(question) == "" {
		return Response{}, ErrEmptyInput
	}

	res := r.gather(ctx, owner, question)
	answer, err := r.answerer.AssembleAndAnswer(ctx, question, res)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidModel) {
			r.logger.Error("answer failed: model misconfigured", "owner", owner, "error", err)
		} else {
			r.logger.Warn("answer failed", "owner", owner, "error", err)
		}
		return Response{}, err
	}

	resp := Response{Answer: answer, Resources: res}
	if r.queue != nil && r.tasks != nil {
		tk, err := r.queue.Submit(r.tasks.Task(persist.Exchange{Owner: owner, Question: question, Answer: answer}))
		if err != nil {
			r.logger.Warn("exchange not persisted", "owner", owner, "error", err)
		}
		resp.Ticket = tk
	}
	resp.Duration = time.Since(start)
	r.logger.Debug("question answered",
		"owner", owner,
		"history", len(res.History),
		"summaries", len(res.Summaries),
		"user_hits", len(res.UserHits),
		"general_hits", len(res.GeneralHits),
		"duration_ms", resp.Duration.Milliseconds(),
	)
	return resp, nil
}

func (r *Responder) gather(ctx context.Context, owner, question string) composer.Resources {
	var res composer.Resources

	turns, err := r.memory.RecentTurns(ctx, owner, r.cfg.HistoryTurns)
	if err != nil {
		r.logger.Warn("reading chat history failed, continuing without it", "owner", owner, "error", err)
	}
	for _, t := range turns {
		res.History = append(res.History, composer.FormatTurn(t.UserMessage, t.BotResponse))
	}

	// Summaries are bounded by eviction, which runs before a new one is
	// written, so one more may exist than turns.
	summaries, err := r.memory.RecentSummaries(ctx, owner, storage.AudienceUser, composer.MaxResourceItems)
	if err != nil {
		r.logger.Warn("reading summaries failed, continuing without them", "owner", owner, "error", err)
	}
	texts := make([]string, len(summaries))
	for i, s := range summaries {
		texts[i] = s.Text
	}
	res.Summaries = OlderSummaries(texts, len(res.History))

	if r.index == nil {
		return res
	}
	query := question
	if r.cfg.Rewriter != nil {
		query = r.cfg.Rewriter.Rewrite(ctx, question)
	}

	var g errgroup.Group
	g.Go(func() error {
		res.UserHits = r.search(ctx, retrieval.UserCollection(owner), query)
		return nil
	})
	g.Go(func() error {
		res.GeneralHits = r.search(ctx, retrieval.GeneralCollection, query)
		return nil
	})
	g.Wait()
	return res
}

func (r *Responder) search(ctx context.Context, collection, query string) []string {
	hits, err := r.index.Search(ctx, collection, query)
	if err != nil {
		r.logger.Warn("semantic search failed, continuing without it", "collection", collection, "error", err)
		return nil
	}
	return hits
}

// OlderSummaries keeps only the summaries that have no matching history turn:
// the first len(summaries)-historyLen of them.
func OlderSummaries(summaries []string, historyLen int) []string {
	n := len(summaries) - historyLen
	if n <= 0 {
		return nil
	}
	return summaries[:n]
}

// Messages shown to end users.
const (
	MsgModelUnavailable = "Sorry, I couldn't reach the language model right now. Please try again."
	MsgGeneric          = "Sorry, something went wrong while answering. Please try again."
	MsgEmptyInput       = "Please enter a question."
)

// UserMessage maps a Respond error to text safe to show an end user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyInput):
		return MsgEmptyInput
	case errors.Is(err, engine.ErrModelUnavailable):
		return MsgModelUnavailable
	default:
		return MsgGeneric
	}
}

// Describe returns a short diagnostic line for logs and CLI output.
func Describe(resp Response) string {
	return fmt.Sprintf("history=%d summaries=%d user_hits=%d general_hits=%d in %s",
		len(resp.Resources.History), len(resp.Resources.Summaries),
		len(resp.Resources.UserHits), len(resp.Resources.GeneralHits),
		resp.Duration.Round(time.Millisecond))
}
