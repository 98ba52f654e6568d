package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const (
	DefaultGeminiModel       = "gemini-2.0-flash"
	DefaultSystemInstruction = "You are a helpful and friendly assistant. Provide simpler and medium-sized responses."
)

// generator is the part of genai.Models the responder uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiResponder sends each utterance to Gemini as a single, stateless
// request. The client is created on first use.
type GeminiResponder struct {
	APIKey            string
	Model             string
	SystemInstruction string

	mu     sync.Mutex
	models generator
}

func NewGeminiResponder(apiKey, model, systemInstruction string) *GeminiResponder {
	if model == "" {
		model = DefaultGeminiModel
	}
	if systemInstruction == "" {
		systemInstruction = DefaultSystemInstruction
	}
	return &GeminiResponder{APIKey: apiKey, Model: model, SystemInstruction: systemInstruction}
}

func (g *GeminiResponder) client(ctx context.Context) (generator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.models != nil {
		return g.models, nil
	}
	if g.APIKey == "" {
		return nil, errors.New("gemini api key missing")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	g.models = c.Models
	return g.models, nil
}

// Respond implements agent.Responder.
func (g *GeminiResponder) Respond(ctx context.Context, utterance string) (string, error) {
	models, err := g.client(ctx)
	if err != nil {
		return "", err
	}
	cfg := &genai.GenerateContentConfig{}
	if g.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.SystemInstruction, genai.RoleUser)
	}
	resp, err := models.GenerateContent(ctx, g.Model, genai.Text(utterance), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	answer := strings.TrimSpace(resp.Text())
	if answer == "" {
		return "", errors.New("gemini: empty response")
	}
	return answer, nil
}
