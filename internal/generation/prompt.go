package generation

import (
	"fmt"
	"strings"

	"github.com/fentz26/parley/internal/models"
)

// PromptParts are the sections of a system prompt.
type PromptParts struct {
	// Screen describes what is currently on screen.
	Screen string
	// OCR is text read off the screen.
	OCR string
	// Memory holds recalled conversation snippets.
	Memory []models.MemoryItem
	// Instructions are the base instructions, placed last.
	Instructions string
}

// MemoryTimeFormat formats the time of a recalled memory.
const MemoryTimeFormat = "2006-01-02 15:04"

// BuildSystemPrompt joins the non-empty sections of p.
func BuildSystemPrompt(p PromptParts) string {
	var sections []string
	if s := strings.TrimSpace(p.Screen); s != "" {
		sections = append(sections, "Screen context:\n"+s)
	}
	if s := strings.TrimSpace(p.OCR); s != "" {
		sections = append(sections, "Text on screen:\n"+s)
	}
	if len(p.Memory) > 0 {
		var b strings.Builder
		b.WriteString("You remember some past conversations:")
		for _, m := range p.Memory {
			speaker := m.Speaker
			if speaker == "" {
				speaker = "someone"
			}
			fmt.Fprintf(&b, "\nAt %s, %s said: %s", m.CreatedAt.Format(MemoryTimeFormat), speaker, m.Content)
		}
		sections = append(sections, b.String())
	}
	if s := strings.TrimSpace(p.Instructions); s != "" {
		sections = append(sections, s)
	}
	return strings.Join(sections, "\n\n")
}
