package generation

import (
	"testing"
	"time"

	"github.com/fentz26/parley/internal/models"
)

func TestBuildSystemPrompt(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)

	tests := []struct {
		name  string
		parts PromptParts
		want  string
	}{
		{"empty", PromptParts{}, ""},
		{"whitespace only", PromptParts{Screen: "  ", Instructions: "\n"}, ""},
		{"instructions only", PromptParts{Instructions: "Be kind."}, "Be kind."},
		{
			"all sections",
			PromptParts{
				Screen:       "an editor",
				OCR:          "func main()",
				Memory:       []models.MemoryItem{{Speaker: "Sam", Content: "hi", CreatedAt: at}, {Content: "bye", CreatedAt: at}},
				Instructions: "Be kind.",
			},
			"Screen context:\nan editor\n\n" +
				"Text on screen:\nfunc main()\n\n" +
				"You remember some past conversations:\n" +
				"At 2024-01-02 03:04, Sam said: hi\n" +
				"At 2024-01-02 03:04, someone said: bye\n\n" +
				"Be kind.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildSystemPrompt(tt.parts); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
