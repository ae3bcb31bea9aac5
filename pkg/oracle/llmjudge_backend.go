package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainJudge is the reference Judge backend: a single provider-agnostic
// llms.Model call through tmc/langchaingo, so swapping providers is a
// construction-time choice rather than a code change (SPEC_FULL.md §4.3,
// "provider-agnostic chat-model interface"). Construction is lazy — callers
// only build one when LLMJudgeConfig.Enabled is true, matching
// LLMJudgeOracle's own nil-backend-skips contract.
type LangchainJudge struct {
	model llms.Model
}

// NewLangchainJudge builds a Judge backed by an OpenAI-compatible endpoint.
// provider is accepted for forward compatibility with other langchaingo
// provider packages; only "openai" (the default) is wired today.
func NewLangchainJudge(provider, model, apiKey string) (*LangchainJudge, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm judge: no API key configured")
	}
	m, err := openai.New(openai.WithToken(apiKey), openai.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("build langchaingo model: %w", err)
	}
	return &LangchainJudge{model: m}, nil
}

// Judge implements the Judge interface by asking the backend to compare the
// candidate answer against ground truth under a rubric, parsing a leading
// PASS/FAIL verdict line from the response.
func (j *LangchainJudge) Judge(ctx context.Context, answer, groundTruth, rubric string) (bool, string, error) {
	prompt := fmt.Sprintf(
		"Rubric:\n%s\n\nGround truth:\n%s\n\nCandidate answer:\n%s\n\nDoes the candidate answer satisfy the rubric against the ground truth? Reply with PASS or FAIL on the first line, then a one-sentence reason.",
		rubric, groundTruth, answer,
	)
	resp, err := llms.GenerateFromSinglePrompt(ctx, j.model, prompt)
	if err != nil {
		return false, "", fmt.Errorf("llm judge call: %w", err)
	}
	return parseVerdict(resp)
}

func parseVerdict(resp string) (bool, string, error) {
	lines := strings.SplitN(strings.TrimSpace(resp), "\n", 2)
	verdict := strings.ToUpper(strings.TrimSpace(lines[0]))
	reasoning := ""
	if len(lines) > 1 {
		reasoning = strings.TrimSpace(lines[1])
	}
	switch {
	case strings.HasPrefix(verdict, "PASS"):
		return true, reasoning, nil
	case strings.HasPrefix(verdict, "FAIL"):
		return false, reasoning, nil
	default:
		return false, "", fmt.Errorf("llm judge: unparseable verdict %q", lines[0])
	}
}
