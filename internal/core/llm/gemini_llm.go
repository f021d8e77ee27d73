package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
)

var _ core.LLMProvider = (*GeminiLLM)(nil)

const defaultAnswerModel = "gemini-1.5-flash"

// GeminiLLM answers document questions. Answers are kept close to the
// retrieved context, hence the low default temperature.
type GeminiLLM struct {
	client      *genai.Client
	modelName   string
	temperature float32
	maxTokens   int32
}

type LLMOption func(*GeminiLLM)

func WithTemperature(t float32) LLMOption {
	return func(g *GeminiLLM) { g.temperature = t }
}

func WithMaxOutputTokens(n int32) LLMOption {
	return func(g *GeminiLLM) { g.maxTokens = n }
}

func NewGeminiLLM(ctx context.Context, apiKey, modelName string, opts ...LLMOption) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if modelName == "" {
		modelName = defaultAnswerModel
	}
	g := &GeminiLLM{client: cl, modelName: modelName, temperature: 0.2, maxTokens: 1024}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m := g.client.GenerativeModel(g.modelName)
	m.SetTemperature(g.temperature)
	m.SetMaxOutputTokens(g.maxTokens)
	if systemPrompt != "" {
		m.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	}

	resp, err := m.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", apperr.ExternalProcessing(err, "gemini %s generate", g.modelName)
	}
	return answerText(resp)
}

var errNoAnswer = errors.New("no answer produced")

// answerText extracts the first candidate's text. A blocked prompt or a
// candidate stopped by safety or recitation filters is an external failure,
// not an empty answer. A truncated answer is returned as is.
func answerText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", apperr.ExternalProcessing(errNoAnswer, "gemini returned no response")
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		return "", apperr.ExternalProcessing(errNoAnswer, "prompt blocked: %s", fb.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", apperr.ExternalProcessing(errNoAnswer, "gemini returned no candidates")
	}

	c := resp.Candidates[0]
	switch c.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return "", apperr.ExternalProcessing(errNoAnswer, "answer withheld: %s", c.FinishReason)
	}

	var b strings.Builder
	for _, p := range c.Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String()), nil
}
