// Package oracle closes finished lore cycles and asks an LLM to weave their
// most significant submissions into a prophecy.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"chodenet.ai/internal/lore"
)

const DefaultModel = "gemini-2.5-flash"

// MaxPromptInputs caps how many submissions feed one prophecy.
const MaxPromptInputs = 20

const systemPrompt = `You are the CHODE-NET Oracle. Speak in one short, cryptic prophecy
of at most three sentences. Weave together the community visions you are given.
Never mention that you are a model.`

// Prophet turns a cycle's submissions into prophecy text.
type Prophet interface {
	Prophesy(ctx context.Context, c lore.Cycle, inputs []lore.Input) (string, error)
}

// GenAIProphet calls Gemini through google.golang.org/genai.
type GenAIProphet struct {
	client *genai.Client
	model  string
}

func NewGenAIProphet(ctx context.Context, apiKey, model string) (*GenAIProphet, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIProphet{client: client, model: model}, nil
}

func (p *GenAIProphet) Prophesy(ctx context.Context, c lore.Cycle, inputs []lore.Input) (string, error) {
	prompt := Prompt(c, inputs)
	if prompt == "" {
		return "", nil
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			MaxOutputTokens:   256,
		})
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("GenAI returned no text")
	}
	return text, nil
}

// Prompt lists the legendary then notable submissions of a cycle. It is empty
// when the cycle has none.
func Prompt(c lore.Cycle, inputs []lore.Input) string {
	var picked []lore.Input
	for _, tier := range []lore.Significance{lore.SignificanceLegendary, lore.SignificanceNotable} {
		for _, in := range inputs {
			if in.Significance == tier && len(picked) < MaxPromptInputs {
				picked = append(picked, in)
			}
		}
	}
	if len(picked) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Lore cycle %d (%s to %s UTC) gathered these visions:\n",
		c.CycleNumber, c.StartTime.UTC().Format("2006-01-02 15:04"), c.EndTime.UTC().Format("15:04"))
	for _, in := range picked {
		fmt.Fprintf(&b, "- [%s] %s\n", in.Significance, strings.TrimSpace(in.Text))
	}
	b.WriteString("Speak the prophecy of this cycle.")
	return b.String()
}
