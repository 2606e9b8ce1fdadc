// Package generator is the C3 contract for the text-generation backend every
// stage transform calls into to turn a prompt into structured output.
package generator

import "context"

type Request struct {
	Stage       string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Response struct {
	Text  string
	Usage Usage
}

// Client generates text from a prompt. The one production implementation,
// httpgen.Client, talks to an OpenAI-compatible HTTP API; tests use a fake
// that returns canned Responses.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
