// Package journal holds the work-journal entry model, the source material
// digests are generated from.
package journal

import (
	"strings"
	"time"
)

// Entry is a single journal note written by an owner.
type Entry struct {
	ID        string
	OwnerID   string
	Body      string
	CreatedAt time.Time
}

// RenderForPrompt flattens entries into the plain-text block handed to the
// summarizer, oldest first, one dated line header per entry.
func RenderForPrompt(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(e.CreatedAt.UTC().Format("2006-01-02 15:04"))
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(e.Body))
	}
	return b.String()
}
