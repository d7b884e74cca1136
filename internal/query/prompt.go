package query

import "github.com/kalambet/mnemo/internal/engine"

const rewriteTemplate = "Do not make up an answer. Answer the given question strictly based on the following user query: "

const rewriteInstruction = "Reply with a short search query that captures what the user is asking about. Output only the query."

// BuildPrompt constructs the messages for a query rewrite.
func BuildPrompt(question string) []engine.Message {
	return engine.Prompt(rewriteTemplate+question+"\n\n"+rewriteInstruction, "")
}
