// Package generation is the boundary between the passes and the text model.
package generation

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/llm"
)

// Generator produces text for a prompt. contextText is the standing context
// (brief and business) sent alongside the prompt.
//
// Errors are *apperr.Error of type ErrTransient (timeouts, rate limits,
// provider outages, empty replies) or ErrFatal (anything retrying cannot fix).
type Generator interface {
	Generate(ctx context.Context, prompt, contextText string) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, prompt, contextText string) (string, error)

func (f Func) Generate(ctx context.Context, prompt, contextText string) (string, error) {
	return f(ctx, prompt, contextText)
}

// DocumentGenerator is implemented by generators with separate settings for
// calls whose reply is the whole article.
type DocumentGenerator interface {
	ForDocument() Generator
}

// ForDocument returns gen's whole-article variant, or gen itself.
func ForDocument(gen Generator) Generator {
	if d, ok := gen.(DocumentGenerator); ok {
		return d.ForDocument()
	}
	return gen
}

type chatClient interface {
	Chat(ctx context.Context, prompt string, opts *llm.ChatCompletionOptions) (string, error)
}

// LLMGenerator generates through an OpenAI-compatible chat client.
type LLMGenerator struct {
	client chatClient
	// nil uses the client defaults
	opts     *llm.ChatCompletionOptions
	document *llm.ChatCompletionOptions
}

func NewLLMGenerator(client *llm.Client) *LLMGenerator {
	return &LLMGenerator{client: client, document: client.DocumentOptions()}
}

// ForDocument returns a generator using the client's document options.
func (g *LLMGenerator) ForDocument() Generator {
	return &LLMGenerator{client: g.client, opts: g.document, document: g.document}
}

func (g *LLMGenerator) Generate(ctx context.Context, prompt, contextText string) (string, error) {
	opts := llm.NewChatCompletionOptions()
	if g.opts != nil {
		o := *g.opts
		opts = &o
	}
	if contextText != "" {
		opts = opts.WithSystemPrompt(contextText)
	}

	reply, err := g.client.Chat(ctx, prompt, opts)
	if err != nil {
		return "", Classify(ctx, err)
	}
	if strings.TrimSpace(reply) == "" {
		return "", apperr.New(apperr.ErrTransient, "model returned an empty reply")
	}
	return reply, nil
}

// Classify maps a client error onto the transient/fatal taxonomy.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	var statusErr *llm.StatusError
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// caller stopped; not a generation failure
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Transient(err, "generation timed out")
	case errors.As(err, &statusErr):
		if retryableStatus(statusErr.StatusCode) {
			return apperr.Transient(err, "provider unavailable").WithContext("status", statusErr.StatusCode)
		}
		return apperr.Fatal(err, "provider rejected request").WithContext("status", statusErr.StatusCode)
	case errors.Is(err, llm.ErrNoChoices):
		return apperr.Transient(err, "model returned no choices")
	default:
		var apiErr *llm.Error
		if errors.As(err, &apiErr) {
			return apperr.Fatal(err, "provider returned an error")
		}
		// transport and decode failures
		return apperr.Transient(err, "generation request failed")
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
