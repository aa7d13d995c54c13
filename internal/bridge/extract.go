package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"
)

const extractorInstructions = `You extract visitor details from a receptionist
conversation transcript. Reply with a single JSON object containing any of the
keys "name", "phone", "email", "purpose" that the transcript supports. Omit
keys you cannot determine. Reply with JSON only.`

// AgentExtractor re-derives visitor info from conversation turns with a
// single-turn extraction agent.
type AgentExtractor struct {
	provider  agents.ModelProvider
	model     string
	maxTokens int
}

// NewAgentExtractor creates an extractor backed by the given model provider.
func NewAgentExtractor(provider agents.ModelProvider, model string) *AgentExtractor {
	return &AgentExtractor{provider: provider, model: model, maxTokens: 200}
}

// Extract runs the extraction agent over the transcript and parses its JSON
// reply.
func (a *AgentExtractor) Extract(ctx context.Context, turns []Turn) (map[string]string, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("extract: no turns to extract from")
	}

	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "Visitor: %s\nReceptionist: %s\n", t.User, t.Assistant)
	}

	agent := agents.New("visitor-info-extractor").
		WithInstructions(extractorInstructions).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	result, err := runner.Run(runCtx, agent, b.String())
	if err != nil {
		return nil, fmt.Errorf("extract run: %w", err)
	}

	text, ok := result.FinalOutput.(string)
	if !ok {
		return nil, fmt.Errorf("extract: unexpected output type %T", result.FinalOutput)
	}
	return parseExtraction(text)
}

// parseExtraction pulls the JSON object out of the model's reply, tolerating
// surrounding prose or code fences.
func parseExtraction(text string) (map[string]string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("extract: no JSON object in reply")
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("extract parse: %w", err)
	}
	for k, v := range out {
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
