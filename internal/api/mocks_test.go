package api

import (
	"context"
	"sync"
	"time"

	"github.com/kalambet/mnemo/internal/persist"
	"github.com/kalambet/mnemo/internal/pipeline"
	"github.com/kalambet/mnemo/internal/retrieval"
	"github.com/kalambet/mnemo/internal/storage"
)

type mockResponder struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  []ChatRequest
}

func (m *mockResponder) Respond(_ context.Context, owner, question string) (pipeline.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ChatRequest{Owner: owner, Question: question})
	if m.err != nil {
		return pipeline.Response{}, m.err
	}
	return pipeline.Response{
		Answer: m.answer,
		Ticket: &persist.Ticket{ID: "ticket-1", Name: "exchange"},
	}, nil
}

func (m *mockResponder) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

type mockMemory struct {
	turns     []storage.ChatTurn
	summaries []storage.SummaryRecord
	err       error
}

func (m *mockMemory) RecentTurns(_ context.Context, owner string, n int) ([]storage.ChatTurn, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []storage.ChatTurn
	for _, t := range m.turns {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (m *mockMemory) RecentSummaries(_ context.Context, owner string, audience storage.Audience, n int) ([]storage.SummaryRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []storage.SummaryRecord
	for _, s := range m.summaries {
		if s.Owner == owner && s.Audience == audience {
			out = append(out, s)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

type mockRecaller struct {
	hits       []retrieval.ScoredRecord
	err        error
	collection string
	topK       int
}

func (m *mockRecaller) SearchScored(_ context.Context, collection, _ string, topK int) ([]retrieval.ScoredRecord, error) {
	m.collection, m.topK = collection, topK
	return m.hits, m.err
}

type countingObserver struct {
	mu   sync.Mutex
	errs []error
}

func (o *countingObserver) ObserveAnswer(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *countingObserver) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.errs)
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleMemory() *mockMemory {
	return &mockMemory{
		turns: []storage.ChatTurn{
			{ID: 1, Owner: "ana", UserMessage: "hi", BotResponse: "hello", CreatedAt: testTime},
			{ID: 2, Owner: "ana", UserMessage: "how are you", BotResponse: "fine", CreatedAt: testTime.Add(time.Minute)},
			{ID: 3, Owner: "bo", UserMessage: "other", BotResponse: "owner", CreatedAt: testTime},
		},
		summaries: []storage.SummaryRecord{
			{ID: 1, Owner: "ana", Audience: storage.AudienceUser, Text: "ana said hi", CreatedAt: testTime},
			{ID: 2, Owner: "ana", Audience: storage.AudienceGeneral, Text: "someone said hi", CreatedAt: testTime},
		},
	}
}
