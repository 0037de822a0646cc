package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/stereo-forge/internal/auth"
	"github.com/yourusername/stereo-forge/internal/config"
	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/pipeline"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

type fixture struct {
	engine   *gin.Engine
	jobs     *jobs.MemoryStore
	objects  *storage.Memory
	ingest   *queue.Memory
	deletion *queue.Memory
	notify   *queue.Memory
	chunking *queue.Memory
}

func newFixture(t *testing.T, authManager *auth.Manager) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		jobs:     jobs.NewMemoryStore(),
		objects:  storage.NewMemory(),
		ingest:   queue.NewMemory(time.Minute),
		deletion: queue.NewMemory(time.Minute),
		notify:   queue.NewMemory(time.Minute),
		chunking: queue.NewMemory(time.Minute),
	}
	router := pipeline.NewRouter(f.chunking, queue.NewMemory(time.Minute), f.notify, logger.NewNop())
	s := New(Deps{
		Jobs:     f.jobs,
		Objects:  f.objects,
		Buckets:  pipeline.Buckets{Input: "in", Output: "out"},
		Ingest:   f.ingest,
		Deletion: f.deletion,
		Notify:   f.notify,
		Router:   router,
		Auth:     authManager,
	})
	f.engine = NewEngine(&config.Config{GinMode: gin.TestMode, SessionSecret: "0123456789abcdef0123456789abcdef"}, s)
	return f
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *fixture) put(t *testing.T, id string, status jobs.Status) {
	t.Helper()
	require.NoError(t, f.jobs.Put(context.Background(), &jobs.Job{JobID: id, Mode: keys.ModeAnaglyph, Status: status}))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestCreateJobReturnsUploadURL(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/api/jobs", `{"mode":"sbs","title":" trip "}`)
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	id, _ := body["jobId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, keys.Source(id), body["uploadKey"])
	assert.Contains(t, body["uploadUrl"], "/in/"+keys.Source(id))

	job, err := f.jobs.Get(context.Background(), id, true)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobs.StatusCreated, job.Status)
	assert.Equal(t, keys.ModeSideBySide, job.Mode)
	assert.Equal(t, "trip", job.Title)
}

func TestCreateJobRejectsUnknownMode(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/api/jobs", `{"mode":"hologram"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_MODE", decode(t, w)["code"])

	w = f.do(http.MethodPost, "/api/jobs", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestJobEnqueuesMessage(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/api/jobs/ingest", `{"mode":"anaglyph","sourceUrl":"https://videos.example.com/a.mp4"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["jobId"].(string)

	require.Equal(t, 1, f.ingest.Sent())
	msg, err := keys.DecodeIngestMessage(f.ingest.Pending()[0])
	require.NoError(t, err)
	assert.Equal(t, id, msg.JobID)
	assert.Equal(t, "https://videos.example.com/a.mp4", msg.SourceURL)

	w = f.do(http.MethodPost, "/api/jobs/ingest", `{"mode":"anaglyph","sourceUrl":"file:///etc/passwd"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, f.ingest.Sent())
}

func TestGetJob(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "done", jobs.StatusCompleted)
	f.put(t, "busy", jobs.StatusChunkingComplete)

	w := f.do(http.MethodGet, "/api/jobs/done", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w)["downloadUrl"], "/out/"+keys.Final("done"))

	w = f.do(http.MethodGet, "/api/jobs/busy", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(jobs.StatusChunkingComplete), body["status"])
	assert.NotContains(t, body, "downloadUrl")

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/jobs/nope", "").Code)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		f.put(t, id, jobs.StatusCompleted)
	}
	f.put(t, "d", jobs.StatusReassembling)
	f.put(t, "e", jobs.StatusFailed)

	w := f.do(http.MethodGet, "/api/jobs?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["jobs"], 2)
	require.NotEmpty(t, body["nextCursor"])

	w = f.do(http.MethodGet, "/api/jobs?limit=2&cursor="+body["nextCursor"].(string), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["jobs"], 1)

	w = f.do(http.MethodGet, "/api/jobs/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	active := decode(t, w)["jobs"].([]interface{})
	require.Len(t, active, 1)
	assert.Equal(t, "d", active[0].(map[string]interface{})["jobId"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/jobs?limit=0", "").Code)
}

func TestDeleteJob(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "done", jobs.StatusCompleted)
	f.put(t, "busy", jobs.StatusChunkingInProgress)

	w := f.do(http.MethodDelete, "/api/jobs/done", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	job, err := f.jobs.Get(context.Background(), "done", true)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDeleted, job.Status)
	assert.Equal(t, 1, f.deletion.Sent())

	// 再要求では削除依頼だけを再送する
	w = f.do(http.MethodDelete, "/api/jobs/done", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 2, f.deletion.Sent())

	w = f.do(http.MethodDelete, "/api/jobs/busy", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 2, f.deletion.Sent())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/jobs/nope", "").Code)
}

func TestStorageEventsAreRouted(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"Records":[{"s3":{"bucket":{"name":"in"},"object":{"key":"input/J/source"}}},` +
		`{"s3":{"bucket":{"name":"out"},"object":{"key":"jobs/J/final"}}},` +
		`{"s3":{"bucket":{"name":"in"},"object":{"key":"misc/readme.txt"}}}]}`
	w := f.do(http.MethodPost, "/internal/events/storage", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, f.chunking.Sent())
	assert.Equal(t, 1, f.notify.Sent())

	w = f.do(http.MethodPost, "/internal/events/storage", `{"Records":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInferenceNotificationRelay(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"invocationStatus":"Completed","responseParameters":{"outputLocation":"s3://out/jobs/J/segments/00000"}}`
	w := f.do(http.MethodPost, "/internal/inference/notifications", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, 1, f.notify.Sent())
	assert.JSONEq(t, body, string(f.notify.Pending()[0]))

	w = f.do(http.MethodPost, "/internal/inference/notifications", `{"invocationStatus":"Completed"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthenticatedRoutes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("svc"), bcrypt.MinCost)
	require.NoError(t, err)
	m := auth.NewManager(&config.Config{APITokenHash: string(hash)}, nil)
	f := newFixture(t, m)
	f.put(t, "done", jobs.StatusCompleted)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/jobs/done", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/jobs/done", "", "Authorization", "Bearer svc").Code)

	note := `{"invocationStatus":"Failed","failureReason":"oom","responseParameters":{"outputLocation":"s3://out/x"}}`
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/internal/inference/notifications", note).Code)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/internal/inference/notifications", note, "Authorization", "Bearer svc").Code)
}
