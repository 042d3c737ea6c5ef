// Package translationtest provides Translator fakes for tests.
package translationtest

import (
	"context"
	"sync"

	"github.com/phrazzld/glyph-api/internal/translation"
)

// Func adapts a function to translation.Translator and records every call.
type Func struct {
	Fn func(ctx context.Context, req translation.Request) (translation.Result, error)

	mu    sync.Mutex
	calls []translation.Request
}

// Translate records req and delegates to Fn. A nil Fn echoes the language.
func (f *Func) Translate(ctx context.Context, req translation.Request) (translation.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.Fn == nil {
		return translation.Result{Text: "translated to " + req.Language, TokensUsed: 10}, nil
	}
	return f.Fn(ctx, req)
}

// Calls returns a copy of the requests seen so far.
func (f *Func) Calls() []translation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]translation.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

var _ translation.Translator = (*Func)(nil)
