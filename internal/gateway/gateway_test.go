package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/devpipe/internal/broker"
	"github.com/yungbote/devpipe/internal/broker/memorybroker"
	"github.com/yungbote/devpipe/internal/orchestrator"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

type fakeSnapshotStore struct{}

func (fakeSnapshotStore) Save(context.Context, *pipeline.PipelineState) error { return nil }
func (fakeSnapshotStore) LoadAll(context.Context) ([]*pipeline.PipelineState, error) {
	return nil, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("dev")
	require.NoError(t, err)
	return l
}

func newTestGateway(t *testing.T) (*Gateway, broker.Broker) {
	t.Helper()
	b := memorybroker.New()
	orc := orchestrator.New(testLogger(t), nil, b, fakeSnapshotStore{}, orchestrator.Config{})
	return New(testLogger(t), nil, b, orc), b
}

func TestSubmitPublishesAnalysisEnvelopeAndReturnsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g, b := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx, pipeline.TopicAnalysis, "test-reader")
	require.NoError(t, err)

	r := gin.New()
	r.POST("/submit", g.Submit)

	body, _ := json.Marshal(map[string]any{
		"submission": map[string]any{"kind": "new_project", "description": "build a todo app"},
	})
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RequestID)
	require.Equal(t, "submitted", resp.Status)

	select {
	case d := <-ch:
		require.Equal(t, resp.RequestID, d.Envelope.RequestID)
		require.Equal(t, "build a todo app", d.Envelope.Payload.Intent)
		d.Ack()
	case <-time.After(time.Second):
		t.Fatal("expected an envelope on tasks.analysis")
	}
}

func TestStatusReturns404ForUnknownRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g, _ := newTestGateway(t)

	r := gin.New()
	r.GET("/status/:request_id", g.Status)

	req := httptest.NewRequest(http.MethodGet, "/status/ghost", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitWithFilesRejectsOversizeArchiveWith413(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g, _ := newTestGateway(t)
	g.limits.MaxArchiveBytes = 8

	r := gin.New()
	r.POST("/submit_with_files", g.SubmitWithFiles)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	sub, _ := json.Marshal(map[string]any{"submission": map[string]any{"kind": "existing_archive"}})
	require.NoError(t, mw.WriteField("submission", string(sub)))
	part, err := mw.CreateFormFile("archive", "upload.zip")
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte("x"), 64))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/submit_with_files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCancelMarksRequestTerminal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g, _ := newTestGateway(t)

	r := gin.New()
	r.DELETE("/cancel/:request_id", g.Cancel)

	req := httptest.NewRequest(http.MethodDelete, "/cancel/r1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	state, ok := g.orc.Snapshot("r1")
	require.True(t, ok)
	require.True(t, state.Terminal)
}
