// Package gateway implements component C7: the HTTP ingress surface that
// accepts new submissions, ingests optional archive/Git sources, assigns
// request_id, and performs the first publish into the broker fabric.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/devpipe/internal/broker"
	"github.com/yungbote/devpipe/internal/http/response"
	"github.com/yungbote/devpipe/internal/observability"
	"github.com/yungbote/devpipe/internal/orchestrator"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/logger"
	"github.com/yungbote/devpipe/internal/platform/pointers"
)

type Gateway struct {
	log     *logger.Logger
	metrics *observability.Metrics
	broker  broker.Broker
	orc     *orchestrator.Orchestrator
	limits  IngestLimits
}

func New(log *logger.Logger, metrics *observability.Metrics, b broker.Broker, orc *orchestrator.Orchestrator) *Gateway {
	return &Gateway{
		log:     log.With("component", "gateway"),
		metrics: metrics,
		broker:  b,
		orc:     orc,
		limits:  DefaultLimits,
	}
}

type submitRequest struct {
	Submission pipeline.Submission `json:"submission"`
	Priority   pipeline.Priority   `json:"priority,omitempty"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Submit handles POST /submit: a pure JSON body, new_project or
// existing_git only (existing_archive requires submit_with_files).
func (g *Gateway) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if req.Submission.Kind == pipeline.SubmissionExistingArchive {
		response.RespondError(c, http.StatusBadRequest, "archive_requires_submit_with_files", nil)
		return
	}
	g.publishSubmission(c, req)
}

// SubmitWithFiles handles POST /submit_with_files: a multipart form with a
// "submission" JSON part plus either an "archive" file part or a
// "git_url"/"git_branch" field pair, per spec.md §4.7.
func (g *Gateway) SubmitWithFiles(c *gin.Context) {
	raw := c.Request.FormValue("submission")
	if raw == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_submission", nil)
		return
	}
	var req submitRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_submission", err)
		return
	}

	if file, header, err := c.Request.FormFile("archive"); err == nil {
		defer file.Close()
		tree, ierr := IngestArchive(file, header.Filename, g.limits, nil)
		if ierr != nil {
			if errors.Is(ierr, ErrArchiveTooLarge) {
				response.RespondError(c, http.StatusRequestEntityTooLarge, "archive_too_large", ierr)
				return
			}
			response.RespondError(c, http.StatusBadRequest, "ingest_failed", ierr)
			return
		}
		req.Submission.Kind = pipeline.SubmissionExistingArchive
		req.Submission.Tree = treeToBytes(tree)
	} else if gitURL := c.Request.FormValue("git_url"); gitURL != "" {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
		defer cancel()
		username := c.Request.FormValue("git_username")
		password := c.Request.FormValue("git_password")
		tree, ierr := IngestGit(ctx, gitURL, c.Request.FormValue("git_branch"), username, password, g.limits, nil)
		if ierr != nil {
			response.RespondError(c, http.StatusBadGateway, "ingest_failed", ierr)
			return
		}
		req.Submission.Kind = pipeline.SubmissionExistingGit
		req.Submission.GitURL = gitURL
		req.Submission.GitBranch = c.Request.FormValue("git_branch")
		req.Submission.GitCredentials = gitCredentials(username, password)
		req.Submission.Tree = treeToBytes(tree)
	} else {
		response.RespondError(c, http.StatusBadRequest, "missing_source", nil)
		return
	}

	g.publishSubmission(c, req)
}

// treeToBytes adapts the ingestion helpers' map[string]string (already
// UTF-8-validated text) into pipeline.Submission.Tree's map[string][]byte.
func treeToBytes(tree map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(tree))
	for path, contents := range tree {
		out[path] = []byte(contents)
	}
	return out
}

// gitCredentials packs a username/password pair into pipeline.Submission's
// single opaque GitCredentials string, split back apart only where go-git
// needs http.BasicAuth.
func gitCredentials(username, password string) *string {
	if username == "" && password == "" {
		return nil
	}
	return pointers.String(username + ":" + password)
}

func (g *Gateway) publishSubmission(c *gin.Context, req submitRequest) {
	requestID, err := newRequestID()
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "id_generation_failed", err)
		return
	}

	env := pipeline.Envelope{
		RequestID:  requestID,
		Stage:      pipeline.StageAnalysis,
		Attempt:    1,
		ProducedAt: time.Now(),
		Payload:    buildInitialPayload(req.Submission),
		Provenance: []pipeline.ProvenanceEntry{},
	}

	if err := g.broker.Publish(c.Request.Context(), pipeline.TopicAnalysis, requestID, env); err != nil {
		g.log.Warn("gateway publish failed", "request_id", requestID, "error", err)
		response.RespondError(c, http.StatusServiceUnavailable, "publish_failed", err)
		return
	}

	response.RespondOK(c, submitResponse{RequestID: requestID, Status: "submitted"})
}

func buildInitialPayload(s pipeline.Submission) pipeline.Payload {
	p := pipeline.Payload{
		Constraints: s.Constraints,
	}
	switch s.Kind {
	case pipeline.SubmissionExistingGit:
		p.Intent = "Continue development on existing repository " + s.GitURL
		p.RepoHint = s.GitURL
	case pipeline.SubmissionExistingArchive:
		p.Intent = "Continue development on an uploaded codebase"
		if len(s.Tree) > 0 {
			asText := make(map[string]string, len(s.Tree))
			for path, contents := range s.Tree {
				asText[path] = string(contents)
			}
			raw, _ := json.Marshal(asText)
			p.Extra = map[string]json.RawMessage{"source_tree": raw}
		}
	default:
		p.Intent = s.Description
		if len(s.Requirements) > 0 {
			raw, _ := json.Marshal(s.Requirements)
			if p.Extra == nil {
				p.Extra = map[string]json.RawMessage{}
			}
			p.Extra["requirements"] = raw
		}
	}
	return p
}

// Status handles GET /status/{request_id}.
func (g *Gateway) Status(c *gin.Context) {
	requestID := c.Param("request_id")
	state, ok := g.orc.Snapshot(requestID)
	if !ok {
		response.RespondError(c, http.StatusNotFound, "not_found", nil)
		return
	}
	response.RespondOK(c, state)
}

// requestsResponse paginates SnapshotAll, per spec.md §4.7 GET /requests.
type requestsResponse struct {
	Items []pipeline.PipelineState `json:"items"`
	Page  int                      `json:"page"`
	Limit int                      `json:"limit"`
	Total int                      `json:"total"`
}

// Requests handles GET /requests?page=&limit=&status=.
func (g *Gateway) Requests(c *gin.Context) {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)
	if limit > 100 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}
	statusFilter := c.Query("status")

	all := g.orc.SnapshotAll()
	filtered := all[:0:0]
	for _, s := range all {
		if statusFilter != "" && string(s.CurrentStage) != statusFilter {
			continue
		}
		filtered = append(filtered, s)
	}

	start := (page - 1) * limit
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	response.RespondOK(c, requestsResponse{
		Items: filtered[start:end],
		Page:  page,
		Limit: limit,
		Total: len(filtered),
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// Cancel handles DELETE /cancel/{request_id}.
func (g *Gateway) Cancel(c *gin.Context) {
	requestID := c.Param("request_id")
	g.orc.Cancel(c.Request.Context(), requestID)
	c.Status(http.StatusAccepted)
}

// Health handles GET /health.
func (g *Gateway) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Metrics handles GET /metrics.
func (g *Gateway) Metrics(c *gin.Context) {
	if g.metrics == nil {
		c.Status(http.StatusNotFound)
		return
	}
	g.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
