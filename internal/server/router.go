package server

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dhelbig/cratesync/internal/metrics"
	"github.com/dhelbig/cratesync/internal/queue"
	"github.com/dhelbig/cratesync/internal/runner"
	"github.com/dhelbig/cratesync/internal/store"
)

// Router provides embeddable HTTP handlers for the sync subsystem.
// Endpoints:
//
//	POST {basePath}/queue              body: EditRequest JSON
//	GET  {basePath}/queue/pending      query: limit
//	GET  {basePath}/queue/errors       query: limit
//	POST {basePath}/queue/retry        requeue errored jobs (all below max attempts)
//	POST {basePath}/queue/:id/retry    requeue one errored job
//	GET  {basePath}/jobs/:id           background-job progress record
//	GET  {basePath}/healthz
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	q           *queue.Queue
	progressDir string
	maxAttempts int
	basePath    string
}

func NewRouter(q *queue.Queue, progressDir string, maxAttempts int, basePath string) *Router {
	return &Router{
		q:           q,
		progressDir: progressDir,
		maxAttempts: maxAttempts,
		basePath:    sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted
// in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/queue", r.handleEnqueue)
	group.GET("/queue/pending", r.handlePending)
	group.GET("/queue/errors", r.handleErrors)
	group.POST("/queue/retry", r.handleRetryAll)
	group.POST("/queue/:id/retry", r.handleRetryOne)
	group.GET("/jobs/:id", r.handleJobStatus)
	group.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, okResp{OK: true}) })
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleEnqueue(c *gin.Context) {
	var req queue.EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	job, err := r.q.Enqueue(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, jobView(job))
}

func (r *Router) handlePending(c *gin.Context) {
	r.list(c, store.JobPending)
}

func (r *Router) handleErrors(c *gin.Context) {
	r.list(c, store.JobError)
}

func (r *Router) list(c *gin.Context, status store.JobStatus) {
	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	var jobs []store.Job
	var err error
	if status == store.JobPending {
		jobs, err = r.q.ListPending(c.Request.Context(), limit)
	} else {
		jobs, err = r.q.ListErrored(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]gin.H, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleRetryAll(c *gin.Context) {
	n, err := r.q.RetryErrored(c.Request.Context(), r.maxAttempts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

func (r *Router) handleRetryOne(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid job id"})
		return
	}
	if err := r.q.Retry(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorResp{Error: "no errored job with that id"})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleJobStatus(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid job id: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	p, err := runner.ReadProgress(runner.ProgressPath(r.progressDir, id))
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, errorResp{Error: "unknown job"})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func jobView(j store.Job) gin.H {
	v := gin.H{
		"id":          j.ID,
		"instance_id": j.InstanceID,
		"release_id":  j.ReleaseID,
		"username":    j.Username,
		"action":      j.Action,
		"status":      j.Status,
		"attempts":    j.Attempts,
		"created_at":  j.CreatedAt,
	}
	if j.Rating.Valid {
		v["rating"] = j.Rating.Int64
	}
	if j.Notes.Valid {
		v["notes"] = j.Notes.String
	}
	if j.LastError.Valid {
		v["last_error"] = j.LastError.String
	}
	return v
}

func sanitizeBase(basePath string) string {
	bp := strings.TrimSpace(basePath)
	if bp == "" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
