// Package httpgen implements generator.Client over an OpenAI-compatible HTTP
// chat-completions endpoint. The request/retry shape is grounded line for
// line on internal/clients/openai/client.go's do()/doOnce(): same
// Authorization-bearer request construction, same httpx error classification,
// same exponential-backoff-with-Retry-After loop — generalized from the
// teacher's many OpenAI-specific methods (Embed, GenerateImage, ...) down to
// the single Generate call this domain needs, and budgeted per spec.md §4.3
// (up to 3 retries after the first try, 60s call budget) instead of the
// teacher's 4 retries/180s.
package httpgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yungbote/devpipe/internal/generator"
	"github.com/yungbote/devpipe/internal/platform/apperr"
	"github.com/yungbote/devpipe/internal/platform/envutil"
	"github.com/yungbote/devpipe/internal/platform/httpx"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

const stageName = "generator"

type Config struct {
	BaseURL       string
	APIKey        string
	DefaultModel  string
	Timeout       time.Duration
	MaxRetries    int
	CallBudget    time.Duration
	RatePerMinute float64
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:       strings.TrimRight(envutil.String("GENERATOR_BASE_URL", "https://api.openai.com"), "/"),
		APIKey:        envutil.String("GENERATOR_API_KEY", ""),
		DefaultModel:  envutil.String("GENERATOR_MODEL", "gpt-5.2"),
		Timeout:       envutil.Duration("GENERATOR_TIMEOUT", 60*time.Second),
		MaxRetries:    envutil.Int("GENERATOR_MAX_RETRIES", 3),
		CallBudget:    envutil.Duration("GENERATOR_CALL_BUDGET", 60*time.Second),
		RatePerMinute: envutil.Float64("GENERATOR_RATE_PER_MINUTE", 60),
	}
}

type Client struct {
	cfg        Config
	log        *logger.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(cfg Config, log *logger.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	if cfg.CallBudget <= 0 {
		cfg.CallBudget = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		log:        log.With("component", "httpgen"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60.0), 1),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string      { return fmt.Sprintf("generator http %d: %s", e.StatusCode, e.Body) }
func (e *httpError) HTTPStatusCode() int { return e.StatusCode }

func (c *Client) Generate(ctx context.Context, req generator.Request) (generator.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return generator.Response{}, apperr.New(apperr.Deadline, stageName, err)
	}

	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}

	budgetCtx, cancel := context.WithTimeout(ctx, c.cfg.CallBudget)
	defer cancel()

	body := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var out chatResponse
	if err := c.do(budgetCtx, http.MethodPost, "/v1/chat/completions", body, &out); err != nil {
		return generator.Response{}, err
	}

	text := ""
	if len(out.Choices) > 0 {
		text = out.Choices[0].Message.Content
	}
	return generator.Response{
		Text: text,
		Usage: generator.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, reqBody any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if reqBody != nil {
		if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody any, out any) error {
	delay := time.Second

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return apperr.New(apperr.Deadline, stageName, ctx.Err())
		}

		resp, raw, err := c.doOnce(ctx, method, path, reqBody)
		if err == nil {
			if out != nil {
				if uErr := json.Unmarshal(raw, out); uErr != nil {
					return apperr.New(apperr.Poison, stageName, fmt.Errorf("decode response: %w; raw=%s", uErr, string(raw)))
				}
			}
			return nil
		}

		if !httpx.IsRetryableError(err) {
			return apperr.New(classifyNonRetryable(err), stageName, err)
		}
		if attempt == c.cfg.MaxRetries {
			return apperr.New(apperr.TransientExternal, stageName, err)
		}

		sleepFor := httpx.RetryAfterDuration(resp, delay, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("generator request retrying", "path", path, "attempt", attempt+1, "max_retries", c.cfg.MaxRetries, "sleep", sleepFor.String(), "error", err)

		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return apperr.New(apperr.Deadline, stageName, ctx.Err())
		}
		delay *= 2
	}
	return apperr.New(apperr.TransientExternal, stageName, fmt.Errorf("unreachable retry loop"))
}

// classifyNonRetryable distinguishes a 4xx (caller's fault, permanent) from
// anything else httpx decided wasn't worth retrying.
func classifyNonRetryable(err error) apperr.Kind {
	var coder interface{ HTTPStatusCode() int }
	if e, ok := err.(*httpError); ok {
		coder = e
	}
	if coder != nil {
		code := coder.HTTPStatusCode()
		if code >= 400 && code < 500 {
			return apperr.PermanentExternal
		}
	}
	return apperr.TransientExternal
}
