package httpgen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/devpipe/internal/generator"
	"github.com/yungbote/devpipe/internal/platform/apperr"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("dev")
	require.NoError(t, err)
	return l
}

func TestGenerateRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL:       srv.URL,
		MaxRetries:    3,
		Timeout:       5 * time.Second,
		CallBudget:    5 * time.Second,
		RatePerMinute: 6000,
	}, testLogger(t))

	resp, err := c.Generate(context.Background(), generator.Request{Stage: "analysis", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Equal(t, 3, resp.Usage.PromptTokens)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGenerateDoesNotRetryOn404(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, RatePerMinute: 6000}, testLogger(t))

	_, err := c.Generate(context.Background(), generator.Request{Prompt: "hi"})
	require.Error(t, err)
	require.Equal(t, apperr.PermanentExternal, apperr.KindOf(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
