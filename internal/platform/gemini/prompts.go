package gemini

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultLanguage is used when no prompt exists for a requested language.
const DefaultLanguage = "English"

var fallbackPrompts = map[string]string{
	"English": "You are a professional game localization expert. Please extract and clean up all visible text " +
		"from this image. Provide only the text content without explanations. Extract all text from the provided image:",
	"Vietnamese": "Bạn là chuyên gia dịch văn bản từ hình ảnh sang tiếng việt dễ hiểu cho game thủ. " +
		"Hãy chỉ cung cấp bản dịch mà không giải thích gì thêm. Bây giờ hãy dịch cho tôi từ ảnh được cung cấp.",
}

// Prompts maps a language display name to its translation prompt.
type Prompts struct {
	byLanguage map[string]string
	logger     *slog.Logger
}

// LoadPrompts reads the prompt catalogue from path. A missing or unreadable
// file is not fatal: the built-in prompts are used instead.
func LoadPrompts(path string, logger *slog.Logger) *Prompts {
	logger = logger.With("component", "prompts")

	if path == "" {
		logger.Warn("no prompts file configured, using fallback prompts")
		return NewPrompts(fallbackPrompts, logger)
	}

	prompts, err := readPrompts(path)
	if err != nil {
		logger.Warn("failed to load prompts, using fallback prompts", "path", path, "error", err)
		return NewPrompts(fallbackPrompts, logger)
	}

	logger.Info("loaded translation prompts", "path", path, "languages", len(prompts))
	return NewPrompts(prompts, logger)
}

func readPrompts(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var prompts map[string]string
	if err := yaml.Unmarshal(raw, &prompts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("%s holds no prompts", path)
	}
	return prompts, nil
}

// NewPrompts wraps an in-memory catalogue.
func NewPrompts(byLanguage map[string]string, logger *slog.Logger) *Prompts {
	return &Prompts{byLanguage: byLanguage, logger: logger}
}

// For returns the prompt for language, falling back to English.
func (p *Prompts) For(language string) string {
	if prompt, ok := p.byLanguage[language]; ok && prompt != "" {
		return prompt
	}
	p.logger.Warn("no prompt for language, using English", "language", language)
	if prompt, ok := p.byLanguage[DefaultLanguage]; ok {
		return prompt
	}
	return fallbackPrompts[DefaultLanguage]
}

// Languages lists the languages that have a dedicated prompt.
func (p *Prompts) Languages() []string {
	out := make([]string, 0, len(p.byLanguage))
	for lang := range p.byLanguage {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}
