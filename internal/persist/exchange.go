package persist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/mnemo/internal/retrieval"
	"github.com/kalambet/mnemo/internal/storage"
	"github.com/kalambet/mnemo/internal/summarize"
)

// DefaultRetention is the number of turns and summaries kept per owner and
// audience before the oldest is evicted.
const DefaultRetention = 5

// Stages of an exchange task, in order. They label failure metrics.
const (
	StageEvictUserSummaries    = "evict_user_summaries"
	StageSummarizeUser         = "summarize_user"
	StageSaveTurn              = "save_turn"
	StageSaveUserSummary       = "save_user_summary"
	StageEvictGeneralSummaries = "evict_general_summaries"
	StageSummarizeGeneral      = "summarize_general"
	StageSaveGeneralSummary    = "save_general_summary"
	StageEvictTurns            = "evict_turns"
)

// Memory is the part of storage.Memory the persister writes through.
type Memory interface {
	SaveTurn(ctx context.Context, t storage.ChatTurn) (storage.ChatTurn, error)
	SaveSummary(ctx context.Context, r storage.SummaryRecord) (storage.SummaryRecord, error)
	ReadTurns(ctx context.Context, owner string, threshold int) ([]storage.ChatTurn, error)
	ReadSummaries(ctx context.Context, owner string, audience storage.Audience, threshold int, fold storage.FoldFunc) ([]storage.SummaryRecord, error)
}

// Folder stores evicted summaries in the semantic index.
type Folder interface {
	Fold(ctx context.Context, collection, summary string) error
}

// Summarizer writes the rolling summaries.
type Summarizer interface {
	Rolling(ctx context.Context, ex summarize.Exchange, audience summarize.Audience) (string, error)
}

// StageObserver receives stage failures and evictions.
type StageObserver interface {
	ObserveStageFailure(stage string)
	ObserveEviction(kind string)
}

// Exchange is one answered question waiting to be recorded.
type Exchange struct {
	Owner    string
	Question string
	Answer   string
}

// Persister builds the tasks that fold an exchange into memory.
type Persister struct {
	memory     Memory
	index      Folder
	summarizer Summarizer
	retention  int
	observer   StageObserver
	logger     *slog.Logger
}

// NewPersister creates a Persister. A retention of zero uses
// DefaultRetention. obs may be nil.
func NewPersister(memory Memory, index Folder, s Summarizer, retention int, obs StageObserver) *Persister {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Persister{
		memory:     memory,
		index:      index,
		summarizer: s,
		retention:  retention,
		observer:   obs,
		logger:     slog.Default(),
	}
}

// Task returns the background task that records ex.
func (p *Persister) Task(ex Exchange) Task {
	return &exchangeTask{p: p, ex: ex}
}

// exchangeTask remembers which stages completed so a retry resumes at the
// stage that failed instead of writing rows twice. It also remembers which
// summaries it already folded, since a fold can succeed before the delete
// that follows it fails.
type exchangeTask struct {
	p      *Persister
	ex     Exchange
	next   int
	folded map[int64]bool

	prevUser       string
	userSummary    string
	prevGeneral    string
	generalSummary string
}

func (t *exchangeTask) Name() string {
	return "exchange:" + t.ex.Owner
}

type stage struct {
	name string
	run  func(ctx context.Context) error
}

func (t *exchangeTask) stages() []stage {
	return []stage{
		{StageEvictUserSummaries, t.evictUserSummaries},
		{StageSummarizeUser, t.summarizeUser},
		{StageSaveTurn, t.saveTurn},
		{StageSaveUserSummary, t.saveUserSummary},
		{StageEvictGeneralSummaries, t.evictGeneralSummaries},
		{StageSummarizeGeneral, t.summarizeGeneral},
		{StageSaveGeneralSummary, t.saveGeneralSummary},
		{StageEvictTurns, t.evictTurns},
	}
}

func (t *exchangeTask) Run(ctx context.Context) error {
	stages := t.stages()
	for t.next < len(stages) {
		s := stages[t.next]
		if err := s.run(ctx); err != nil {
			if t.p.observer != nil {
				t.p.observer.ObserveStageFailure(s.name)
			}
			return fmt.Errorf("%s for %s: %w", s.name, t.ex.Owner, err)
		}
		t.next++
	}
	t.p.logger.Debug("exchange persisted", "owner", t.ex.Owner)
	return nil
}

func (t *exchangeTask) fold(collection, kind string) storage.FoldFunc {
	return func(ctx context.Context, evicted storage.SummaryRecord) error {
		if t.folded[evicted.ID] {
			t.p.logger.Debug("summary already folded, skipping", "owner", t.ex.Owner, "summary_id", evicted.ID)
			return nil
		}
		if err := t.p.index.Fold(ctx, collection, evicted.Text); err != nil {
			return err
		}
		if t.folded == nil {
			t.folded = make(map[int64]bool)
		}
		t.folded[evicted.ID] = true
		if t.p.observer != nil {
			t.p.observer.ObserveEviction(kind)
		}
		t.p.logger.Debug("summary folded into index", "owner", t.ex.Owner, "collection", collection, "summary_id", evicted.ID)
		return nil
	}
}

func (t *exchangeTask) evictUserSummaries(ctx context.Context) error {
	recs, err := t.p.memory.ReadSummaries(ctx, t.ex.Owner, storage.AudienceUser, t.p.retention,
		t.fold(retrieval.UserCollection(t.ex.Owner), "user_summary"))
	if err != nil {
		return err
	}
	t.prevUser = latest(recs)
	return nil
}

func (t *exchangeTask) summarizeUser(ctx context.Context) error {
	out, err := t.p.summarizer.Rolling(ctx, summarize.Exchange{
		Owner:    t.ex.Owner,
		Question: t.ex.Question,
		Answer:   t.ex.Answer,
		Previous: t.prevUser,
	}, summarize.AudienceUser)
	if err != nil {
		return err
	}
	t.userSummary = out
	return nil
}

func (t *exchangeTask) saveTurn(ctx context.Context) error {
	_, err := t.p.memory.SaveTurn(ctx, storage.ChatTurn{
		Owner:       t.ex.Owner,
		UserMessage: t.ex.Question,
		BotResponse: t.ex.Answer,
	})
	return err
}

func (t *exchangeTask) saveUserSummary(ctx context.Context) error {
	_, err := t.p.memory.SaveSummary(ctx, storage.SummaryRecord{
		Owner:    t.ex.Owner,
		Audience: storage.AudienceUser,
		Text:     t.userSummary,
	})
	return err
}

func (t *exchangeTask) evictGeneralSummaries(ctx context.Context) error {
	recs, err := t.p.memory.ReadSummaries(ctx, t.ex.Owner, storage.AudienceGeneral, t.p.retention,
		t.fold(retrieval.GeneralCollection, "general_summary"))
	if err != nil {
		return err
	}
	t.prevGeneral = latest(recs)
	return nil
}

func (t *exchangeTask) summarizeGeneral(ctx context.Context) error {
	out, err := t.p.summarizer.Rolling(ctx, summarize.Exchange{
		Owner:    t.ex.Owner,
		Question: t.ex.Question,
		Answer:   t.ex.Answer,
		Previous: t.prevGeneral,
	}, summarize.AudienceGeneral)
	if err != nil {
		return err
	}
	t.generalSummary = out
	return nil
}

func (t *exchangeTask) saveGeneralSummary(ctx context.Context) error {
	_, err := t.p.memory.SaveSummary(ctx, storage.SummaryRecord{
		Owner:    t.ex.Owner,
		Audience: storage.AudienceGeneral,
		Text:     t.generalSummary,
	})
	return err
}

func (t *exchangeTask) evictTurns(ctx context.Context) error {
	_, err := t.p.memory.ReadTurns(ctx, t.ex.Owner, t.p.retention)
	return err
}

func latest(recs []storage.SummaryRecord) string {
	if len(recs) == 0 {
		return ""
	}
	return recs[len(recs)-1].Text
}
