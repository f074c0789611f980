// Package suggest wraps the AI mapping suggester collaborator. The model
// proposes column pairings; its output is untrusted and must always pass
// through models.ResolveMappings before use.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/parser"
	"google.golang.org/genai"
)

// Suggester proposes mappings between two column sets. Implemented by the
// Gemini client and by fakes in tests.
type Suggester interface {
	SuggestMappings(ctx context.Context, colsA, colsB []models.ColumnDef) ([]Suggestion, error)
}

type Suggestion struct {
	SourceAKey string  `json:"source_a_key"`
	SourceBKey string  `json:"source_b_key"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
}

type GeminiSuggester struct {
	Model string
}

func NewGeminiSuggester() *GeminiSuggester {
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiSuggester{Model: model}
}

func Configured() bool {
	return os.Getenv("GEMINI_API_KEY") != ""
}

const systemPrompt = `You map columns between two tabular data sources for financial reconciliation.
Given the column lists of source A and source B, propose pairs of columns that likely hold the same information.
Respond with a JSON array only. Each element: {"source_a_key": "...", "source_b_key": "...", "confidence": 0.0-1.0, "label": "short human label"}.
Use only keys that appear in the provided lists. Do not map a key more than once.`

func (s *GeminiSuggester) SuggestMappings(ctx context.Context, colsA, colsB []models.ColumnDef) ([]Suggestion, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	prompt := buildPrompt(colsA, colsB)
	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.1)),
		ResponseMIMEType: "application/json",
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		},
	}

	result, err := client.Models.GenerateContent(ctx, s.Model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}

	return ParseSuggestions(result.Text())
}

func buildPrompt(colsA, colsB []models.ColumnDef) string {
	var b strings.Builder
	b.WriteString("Source A columns:\n")
	writeColumns(&b, colsA)
	b.WriteString("\nSource B columns:\n")
	writeColumns(&b, colsB)
	return b.String()
}

func writeColumns(b *strings.Builder, cols []models.ColumnDef) {
	for _, col := range cols {
		label := col.Label
		if label == "" {
			label = col.Key
		}
		fmt.Fprintf(b, "- key=%q label=%q type=%s\n", col.Key, label, col.Type)
	}
}

// ParseSuggestions decodes the model's JSON reply. Markdown fences are
// tolerated; anything else malformed is an error for the caller to surface.
func ParseSuggestions(text string) ([]Suggestion, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var suggestions []Suggestion
	if err := json.Unmarshal([]byte(cleaned), &suggestions); err != nil {
		return nil, fmt.Errorf("malformed suggester response: %w", err)
	}
	return suggestions, nil
}

// ToMappingEntries converts raw suggestions into proposed mapping entries.
// Types come from source A's declared columns, never from the model. The
// result still must pass models.ResolveMappings.
func ToMappingEntries(suggestions []Suggestion, colsA []models.ColumnDef) []models.MappingEntry {
	types := make(map[string]parser.ColumnType, len(colsA))
	for _, col := range colsA {
		types[col.Key] = col.Type
	}

	entries := make([]models.MappingEntry, 0, len(suggestions))
	for _, s := range suggestions {
		entries = append(entries, models.MappingEntry{
			SourceAKey: s.SourceAKey,
			SourceBKey: s.SourceBKey,
			Type:       types[s.SourceAKey],
			Label:      s.Label,
		})
	}
	return entries
}
