package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/mnemo/internal/engine"
	"github.com/kalambet/mnemo/internal/engine/enginetest"
	"github.com/kalambet/mnemo/internal/tokens"
)

func reply(text string) func(context.Context, string, []engine.Message) (string, error) {
	return func(context.Context, string, []engine.Message) (string, error) { return text, nil }
}

func TestWithinBudget_PromptShape(t *testing.T) {
	fake := &enginetest.Fake{ChatFunc: reply("  Go was released in 2009.  ")}
	s := New(fake, "gemma3:1b")

	out, err := s.WithinBudget(context.Background(), []string{"item one", "item two"}, 50, "when was Go released?")
	require.NoError(t, err)
	assert.Equal(t, "Go was released in 2009.", out)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gemma3:1b", calls[0].Model)
	require.Len(t, calls[0].Messages, 2)
	sys := calls[0].Messages[0]
	assert.Equal(t, engine.RoleSystem, sys.Role)
	assert.Contains(t, sys.Content, "fit within 50 tokens (~200 characters)")
	assert.Contains(t, sys.Content, "User question (for context): when was Go released?")
	assert.Contains(t, sys.Content, "Data:\nitem one\nitem two")
	assert.Equal(t, "when was Go released?", calls[0].Messages[1].Content)
}

func TestWithinBudget_ClampsLongOutput(t *testing.T) {
	long := strings.Repeat("verbose words ", 200)
	s := New(&enginetest.Fake{ChatFunc: reply(long)}, "m")

	out, err := s.WithinBudget(context.Background(), []string{"x"}, 10, "q")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 40)
	assert.LessOrEqual(t, tokens.Approx(out), 10)
	assert.False(t, strings.HasSuffix(out, " "))
}

func TestWithinBudget_FailureNeverReturnsInput(t *testing.T) {
	fake := &enginetest.Fake{ChatFunc: func(context.Context, string, []engine.Message) (string, error) {
		return "", engine.ErrModelUnavailable
	}}
	s := New(fake, "m")

	out, err := s.WithinBudget(context.Background(), []string{"the original data"}, 100, "q")
	assert.Empty(t, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.ErrorIs(t, err, engine.ErrModelUnavailable)

	var ge *GenerationError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "summarize within budget", ge.Op)
}

func TestWithinBudget_EmptyOutputIsFailure(t *testing.T) {
	s := New(&enginetest.Fake{ChatFunc: reply("   ")}, "m")
	_, err := s.WithinBudget(context.Background(), []string{"x"}, 100, "q")
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestWithinBudget_NoBudget(t *testing.T) {
	fake := &enginetest.Fake{}
	s := New(fake, "m")
	_, err := s.WithinBudget(context.Background(), []string{"x"}, 0, "q")
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Empty(t, fake.Calls())
}

func TestRolling_UserKeepsDetails(t *testing.T) {
	fake := &enginetest.Fake{ChatFunc: enginetest.Echo}
	s := New(fake, "m")

	out, err := s.Rolling(context.Background(), Exchange{
		Owner:    "alice42",
		Question: "I'm alice42, my email is alice@example.com",
		Answer:   "Nice to meet you.",
		Previous: "alice42 likes Go.",
	}, AudienceUser)
	require.NoError(t, err)
	assert.Contains(t, out, "alice42")
	assert.Contains(t, out, "alice@example.com")
	assert.Contains(t, out, "Previous summary:\nalice42 likes Go.")
	assert.Contains(t, out, userInstruction)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 1)
	assert.Equal(t, engine.RoleUser, calls[0].Messages[0].Role)
}

func TestRolling_GeneralNeverContainsOwner(t *testing.T) {
	fake := &enginetest.Fake{ChatFunc: enginetest.Echo}
	s := New(fake, "m")

	const owner = "Zephyrine-7731"
	out, err := s.Rolling(context.Background(), Exchange{
		Owner:    owner,
		Question: "Hi, I am Zephyrine-7731 (zephyrine-7731 on chat). Call me at +1 415 555 0100 or zeph@corp.io.",
		Answer:   "Hello ZEPHYRINE-7731, how can I help?",
		Previous: "Zephyrine-7731 asked about card 4111 1111 1111 1111.",
	}, AudienceGeneral)
	require.NoError(t, err)

	assert.NotContains(t, strings.ToLower(out), strings.ToLower(owner))
	assert.NotContains(t, out, "zeph@corp.io")
	assert.NotContains(t, out, "4111 1111 1111 1111")
	assert.NotContains(t, out, "555 0100")
	assert.Contains(t, out, OwnerPlaceholder)
	assert.Contains(t, out, generalInstruction)

	for _, c := range fake.Calls() {
		for _, m := range c.Messages {
			assert.NotContains(t, strings.ToLower(m.Content), strings.ToLower(owner))
		}
	}
}

func TestScrubOwner_WholeTokensOnly(t *testing.T) {
	assert.Equal(t, "some awesome memes", ScrubOwner("some awesome memes", "me"))
	assert.Equal(t, "Tell the user about the user.", ScrubOwner("Tell me about Me.", "me"))
	assert.Equal(t, "the user_id stays", ScrubOwner("the user_id stays", "user"))
	assert.Equal(t, "ask the user, not alice42x", ScrubOwner("ask ALICE42, not alice42x", "alice42"))
	assert.Equal(t, "mail the user today", ScrubOwner("mail a@b.io today", "a@b.io"))
	assert.Equal(t, "untouched", ScrubOwner("untouched", "  "))
}

func TestRolling_AudiencesUseDistinctPrompts(t *testing.T) {
	fake := &enginetest.Fake{ChatFunc: enginetest.Echo}
	s := New(fake, "m")
	ex := Exchange{Question: "q", Answer: "a"}

	user, err := s.Rolling(context.Background(), ex, AudienceUser)
	require.NoError(t, err)
	general, err := s.Rolling(context.Background(), ex, AudienceGeneral)
	require.NoError(t, err)
	assert.NotEqual(t, user, general)
	assert.NotContains(t, user, "Previous summary")
}

func TestRolling_Failure(t *testing.T) {
	fake := &enginetest.Fake{ChatFunc: func(context.Context, string, []engine.Message) (string, error) {
		return "", engine.ErrInvalidModel
	}}
	_, err := New(fake, "m").Rolling(context.Background(), Exchange{Question: "q", Answer: "a"}, AudienceGeneral)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.ErrorIs(t, err, engine.ErrInvalidModel)

	_, err = New(fake, "m").Rolling(context.Background(), Exchange{}, Audience("bogus"))
	assert.Error(t, err)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, "short", Clamp("short", 10))
	assert.Equal(t, "hello", Clamp("hello world", 8))
	assert.Equal(t, "abcdefgh", Clamp("abcdefghijk", 8))
	assert.Equal(t, "", Clamp("anything", 0))

	// Multi-byte runes are never split.
	got := Clamp("ééééé", 5)
	assert.Equal(t, "éé", got)
}

func TestRedactPII(t *testing.T) {
	out, changed := RedactPII("mail bob@example.org or call +44 20 7946 0958")
	assert.True(t, changed)
	assert.Equal(t, "mail [REDACTED_EMAIL] or call [REDACTED_PHONE]", out)

	out, changed = RedactPII("nothing here")
	assert.False(t, changed)
	assert.Equal(t, "nothing here", out)
}

func TestParseAudience(t *testing.T) {
	a, err := ParseAudience("general")
	require.NoError(t, err)
	assert.Equal(t, AudienceGeneral, a)
	_, err = ParseAudience("everyone")
	assert.Error(t, err)
}
