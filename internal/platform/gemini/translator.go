package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/phrazzld/glyph-api/internal/translation"
	"google.golang.org/genai"
)

// modelsAPI is the subset of genai.Models used by the translator.
// *genai.Models satisfies it; tests substitute a fake.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	Get(ctx context.Context, model string, config *genai.GetModelConfig) (*genai.Model, error)
}

// clientFactory creates the models API bound to one API key.
type clientFactory func(ctx context.Context, apiKey string) (modelsAPI, error)

func newGenAIModels(ctx context.Context, apiKey string) (modelsAPI, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return client.Models, nil
}

// Config holds the generation settings sent with every call.
type Config struct {
	Model           string
	Temperature     float32
	MaxOutputTokens int32
}

// Translator implements translation.Translator with Gemini.
type Translator struct {
	config  Config
	prompts *Prompts
	logger  *slog.Logger
	factory clientFactory

	mu      sync.Mutex
	clients map[string]modelsAPI
}

var _ translation.Translator = (*Translator)(nil)

// Option configures a Translator.
type Option func(*Translator)

// withClientFactory replaces the genai client constructor.
func withClientFactory(f clientFactory) Option {
	return func(t *Translator) {
		t.factory = f
	}
}

// NewTranslator creates a Translator. Clients are created lazily per API key.
func NewTranslator(config Config, prompts *Prompts, logger *slog.Logger, opts ...Option) (*Translator, error) {
	if config.Model == "" {
		return nil, errors.New("gemini: model name cannot be empty")
	}
	if prompts == nil {
		return nil, errors.New("gemini: prompts cannot be nil")
	}
	if config.Temperature == 0 {
		config.Temperature = 0.1
	}
	if config.MaxOutputTokens == 0 {
		config.MaxOutputTokens = 4096
	}

	t := &Translator{
		config:  config,
		prompts: prompts,
		logger:  logger.With("component", "gemini_translator"),
		factory: newGenAIModels,
		clients: make(map[string]modelsAPI),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// client returns the cached models API for apiKey, creating it on first use.
func (t *Translator) client(ctx context.Context, apiKey string) (modelsAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[apiKey]; ok {
		return c, nil
	}
	c, err := t.factory(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini client: %s", translation.ErrPermanent, err)
	}
	t.clients[apiKey] = c
	return c, nil
}

// Translate sends the image and the language prompt to Gemini.
func (t *Translator) Translate(ctx context.Context, req translation.Request) (translation.Result, error) {
	if len(req.Image) == 0 {
		return translation.Result{}, fmt.Errorf("%w: empty image", translation.ErrPermanent)
	}
	if req.APIKey == "" {
		return translation.Result{}, fmt.Errorf("%w: no api key", translation.ErrInvalidCredential)
	}

	models, err := t.client(ctx, req.APIKey)
	if err != nil {
		return translation.Result{}, err
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(req.Image, req.MIMEType),
			genai.NewPartFromText(t.prompts.For(req.Language)),
		}, genai.RoleUser),
	}
	temperature := t.config.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: t.config.MaxOutputTokens,
	}

	t.logger.DebugContext(ctx, "calling gemini", "request", req, "model", t.config.Model)
	resp, err := models.GenerateContent(ctx, t.config.Model, contents, cfg)
	if err != nil {
		return translation.Result{}, classify(ctx, err)
	}

	text, err := responseText(resp)
	if err != nil {
		return translation.Result{}, err
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return translation.Result{Text: text, TokensUsed: tokens}, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", translation.ErrEmptyResponse
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: %s", translation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", translation.ErrEmptyResponse
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", translation.ErrContentBlocked
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", translation.ErrEmptyResponse
	}
	return text, nil
}

// Probe checks that the model is reachable with apiKey.
func (t *Translator) Probe(ctx context.Context, apiKey string) error {
	models, err := t.client(ctx, apiKey)
	if err != nil {
		return err
	}
	if _, err := models.Get(ctx, t.config.Model, nil); err != nil {
		return classify(ctx, err)
	}
	return nil
}
