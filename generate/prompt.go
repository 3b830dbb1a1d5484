package generate

import (
	"log/slog"
	"os"
	"strings"
	"text/template"

	draftwriter "github.com/Paranoid-AF/draftwriter"
	defaults "github.com/Paranoid-AF/draftwriter/default"
)

// PromptData holds the data passed to the prompt template.
type PromptData struct {
	OriginalMessage string
	Instruction     string
}

// LoadCustomPrompt loads a custom prompt template.
// Returns empty string if no custom prompt exists.
func LoadCustomPrompt() string {
	promptPath := draftwriter.PromptPath()
	data, err := os.ReadFile(promptPath)
	if err != nil {
		return ""
	}
	slog.Info("loaded custom prompt", "path", promptPath)
	return string(data)
}

// BuildPrompt renders the user prompt for a draft request. The original
// message and instruction are embedded verbatim. An empty or broken
// template falls back to the built-in one.
func BuildPrompt(tmplSrc string, req draftwriter.DraftRequest) string {
	if tmplSrc == "" {
		tmplSrc = defaults.DefaultPrompt
	}

	data := PromptData{
		OriginalMessage: req.OriginalMessage,
		Instruction:     req.Instruction,
	}

	t, err := template.New("prompt").Parse(tmplSrc)
	if err != nil {
		slog.Warn("failed to parse prompt template, falling back to default", "error", err)
		t = template.Must(template.New("prompt").Parse(defaults.DefaultPrompt))
	}

	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		slog.Warn("failed to execute prompt template, falling back to default", "error", err)
		t = template.Must(template.New("prompt").Parse(defaults.DefaultPrompt))
		buf.Reset()
		t.Execute(&buf, data)
	}

	return strings.TrimRight(buf.String(), " \t\n")
}
