// Package composer assembles the memory-enriched prompt for a question and
// produces the final answer.
package composer

import (
	"fmt"
	"strings"
)

// BasePrompt is the fixed system prompt every assembly starts from.
const BasePrompt = "You are a professional assistant. Your job is to answer user questions but in a brief manner within 100 words such that no important information isn't left out and you will receive a user query."

// MaxResourceItems caps how many of a resource's most recent items are
// considered, regardless of budget.
const MaxResourceItems = 100

// DefaultMaxIterations bounds overflow-recovery cycles per resource.
const DefaultMaxIterations = 3

const priorInfoIntro = "Here is a summarized version of prior information:"

// Resource names and intro labels, in injection order.
const (
	NameHistory     = "chat_history"
	NameSummaries   = "chat_summary"
	NameUserHits    = "user_search_results"
	NameGeneralHits = "general_search_results"

	IntroHistory     = "Here is the recent chat history between user and assistant:"
	IntroSummaries   = "Here is a summary of the most recent conversations:"
	IntroUserHits    = "Here are the similarity search results of the most recent user-specific information retrieved from the database based on user query:"
	IntroGeneralHits = "Here are the similarity search results of the most recent general knowledge information retrieved from the database based on user query:"
)

// Resource is one named, ordered sequence of memory items considered for
// injection. Items are oldest first.
type Resource struct {
	Name  string
	Intro string
	Items []string
}

// Resources holds every memory resource gathered for one request.
type Resources struct {
	History     []string
	Summaries   []string
	UserHits    []string
	GeneralHits []string
}

// Ordered returns the resources in their fixed injection order: chat history,
// rolling summaries, per-user hits, general hits.
func (r Resources) Ordered() []Resource {
	return []Resource{
		{Name: NameHistory, Intro: IntroHistory, Items: r.History},
		{Name: NameSummaries, Intro: IntroSummaries, Items: r.Summaries},
		{Name: NameUserHits, Intro: IntroUserHits, Items: r.UserHits},
		{Name: NameGeneralHits, Intro: IntroGeneralHits, Items: r.GeneralHits},
	}
}

// FormatTurn renders one chat turn as a history item.
func FormatTurn(question, answer string) string {
	return fmt.Sprintf("User: %s\nAssistant: %s", question, answer)
}

// usable drops blank items and keeps at most the last MaxResourceItems.
func usable(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it) != "" {
			out = append(out, it)
		}
	}
	if len(out) > MaxResourceItems {
		out = out[len(out)-MaxResourceItems:]
	}
	return out
}

func combine(prompt, intro, text string) string {
	return prompt + "\n\n" + intro + "\n" + text
}

func restart(intermediate string) string {
	return BasePrompt + "\n\n" + priorInfoIntro + "\n" + intermediate
}
