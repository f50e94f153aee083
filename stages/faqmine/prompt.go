package faqmine

import (
	"fmt"
	"strings"

	"github.com/plumehq/plume/internal/util"
)

// maxPromptContentLen bounds how much of one page body enters the
// prompt; competitor pages are routinely hundreds of kilobytes of
// markup.
const maxPromptContentLen = 6000

const systemPrompt = `You mine frequently-asked-question content from web pages of small businesses.
For every page in the input, extract the question/answer pairs the page itself presents.
Reply with a JSON array only, no prose and no markdown. One element per page:
{"index": <the page's number from the input>, "faqs": [{"question": "...", "answer": "..."}]}
A page without FAQ content gets an empty "faqs" array.`

// buildPrompt renders a sub-batch of hydrated pages into one
// chat-completions call. Pages are numbered; the numbers are how results
// bind back to pages.
func buildPrompt(pages []*SitePage) (system, user string) {
	var b strings.Builder
	for i, page := range pages {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Page %d:\n", i)
		fmt.Fprintf(&b, "Title: %s\n", page.Title)
		fmt.Fprintf(&b, "URL: %s\n", page.URL)
		fmt.Fprintf(&b, "Content: %s\n", util.Truncate(page.Content, maxPromptContentLen))
	}
	return systemPrompt, b.String()
}

// FAQ is one mined question/answer pair.
type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// minedEntry is one entry of the provider's answer array.
type minedEntry struct {
	Index *int  `json:"index"`
	FAQs  []FAQ `json:"faqs"`
}
