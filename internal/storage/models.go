package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable wraps failures talking to the underlying database.
	ErrUnavailable = errors.New("store unavailable")
)

// Audience of a summary record.
type Audience string

const (
	AudienceUser    Audience = "user"
	AudienceGeneral Audience = "general"
)

// TimeLayout is the fixed-width UTC layout timestamps are stored in, so that
// lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// ChatTurn is one completed exchange.
type ChatTurn struct {
	ID          int64
	Owner       string
	UserMessage string
	BotResponse string
	CreatedAt   time.Time
}

// SummaryRecord is the rolling summary written after an exchange for one audience.
type SummaryRecord struct {
	ID        int64
	Owner     string
	Audience  Audience
	Text      string
	CreatedAt time.Time
}

// FoldFunc receives a summary about to be evicted. The row is deleted only
// if it returns nil.
type FoldFunc func(ctx context.Context, evicted SummaryRecord) error

// Memory persists chat turns and summaries partitioned by owner. All reads
// return records oldest first.
type Memory interface {
	SaveTurn(ctx context.Context, t ChatTurn) (ChatTurn, error)
	SaveSummary(ctx context.Context, r SummaryRecord) (SummaryRecord, error)

	// RecentTurns returns at most n of the newest turns without evicting.
	RecentTurns(ctx context.Context, owner string, n int) ([]ChatTurn, error)
	// RecentSummaries returns at most n of the newest summaries without evicting.
	RecentSummaries(ctx context.Context, owner string, audience Audience, n int) ([]SummaryRecord, error)

	// ReadTurns returns every turn of owner. When more than threshold exist
	// the oldest is deleted and the rest returned.
	ReadTurns(ctx context.Context, owner string, threshold int) ([]ChatTurn, error)
	// ReadSummaries is ReadTurns for summaries; the evicted record is passed to
	// fold before it is deleted.
	ReadSummaries(ctx context.Context, owner string, audience Audience, threshold int, fold FoldFunc) ([]SummaryRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
