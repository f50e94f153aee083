package mailclassify

import (
	"fmt"
	"strings"

	"github.com/plumehq/plume/internal/util"
)

// Categories is the label set the classifier must choose from. The
// product decides what the labels mean; the stage only enforces that
// answers stay inside the set.
var Categories = []string{"interested", "question", "complaint", "spam", "other"}

// maxPromptBodyLen keeps one oversized email from crowding the rest of
// the sub-batch out of the context window.
const maxPromptBodyLen = 2000

const systemTemplate = `You classify emails received by a small business.
For every email in the input, pick exactly one category from: %s.
Reply with a JSON array only, no prose and no markdown. One element per email:
{"index": <the email's number from the input>, "category": "<category>", "confidence": <0.0 to 1.0>}`

// buildPrompt renders a sub-batch into the system and user messages of
// one chat-completions call. Items are numbered; the numbers are how
// results bind back to items.
func buildPrompt(msgs []*PendingMessage) (system, user string) {
	system = fmt.Sprintf(systemTemplate, strings.Join(Categories, ", "))

	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Email %d:\n", i)
		fmt.Fprintf(&b, "From: %s\n", msg.Sender)
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
		fmt.Fprintf(&b, "Body: %s\n", util.Truncate(msg.Body, maxPromptBodyLen))
	}
	return system, b.String()
}

// classification is one entry of the provider's answer array.
type classification struct {
	Index      *int    `json:"index"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

func validCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
