package summarize

import (
	"fmt"
	"strings"
)

const budgetTemplate = `You will be provided with some data below.

Your task: produce a compact, information-rich summary capturing the key points relevant to the question.
STRICT CONSTRAINTS:
1. The summary must fit within %d tokens (~%d characters).
2. Only return the summary text. Do NOT include explanations, titles, lists, or any other content.
3. Be concise and exclude redundancy. Prioritize the key facts most relevant to the user's question.

User question (for context): %s

Data:
%s`

const (
	userInstruction    = "Provide a concise summary including all important details. Respond only with the summary text."
	generalInstruction = "Provide a concise summary including important details, but remove any personally identifiable information (PII) or user-specific data such as names, contact details or account numbers. Respond only with the summary text."
)

func budgetPrompt(content string, remaining int, question string) string {
	return fmt.Sprintf(budgetTemplate, remaining, remaining*CharsPerToken, question, content)
}

func rollingPrompt(ex Exchange, instruction string) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation, preserving key details and the conversation's tone:\n\n")
	if ex.Previous != "" {
		fmt.Fprintf(&sb, "Previous summary:\n%s\n\n", ex.Previous)
	}
	fmt.Fprintf(&sb, "Conversation:\nUser: %s\nAssistant: %s\n\n", ex.Question, ex.Answer)
	sb.WriteString(instruction)
	return sb.String()
}
