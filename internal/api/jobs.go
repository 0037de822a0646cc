package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
)

type createJobRequest struct {
	Mode  string `json:"mode" binding:"required"`
	Title string `json:"title"`
}

type ingestJobRequest struct {
	Mode      string `json:"mode" binding:"required"`
	Title     string `json:"title"`
	SourceURL string `json:"sourceUrl" binding:"required"`
}

// createJob はジョブを作成し、元動画のアップロード先 URL を返します。
// アップロード完了のストレージイベントで分割ステージが始まります。
func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_INPUT", "mode を JSON で指定してください。")
		return
	}
	mode, err := keys.ParseMode(req.Mode)
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_MODE", "mode は anaglyph または side-by-side を指定してください。")
		return
	}

	job := &jobs.Job{
		JobID:  uuid.NewString(),
		Mode:   mode,
		Status: jobs.StatusCreated,
		Title:  strings.TrimSpace(req.Title),
	}
	ctx := c.Request.Context()
	if err := s.jobs.Create(ctx, job); err != nil {
		s.log.Error("create job failed", "error", err)
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "ジョブの作成に失敗しました。")
		return
	}

	key := keys.Source(job.JobID)
	uploadURL, err := s.objects.PresignUpload(ctx, s.buckets.Input, key, s.presignTTL)
	if err != nil {
		s.log.Error("presign upload failed", "job_id", job.JobID, "error", err)
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "アップロード URL の発行に失敗しました。")
		return
	}

	s.log.Info("job created", "job_id", job.JobID, "mode", mode)
	c.JSON(http.StatusCreated, gin.H{
		"jobId":     job.JobID,
		"status":    job.Status,
		"mode":      job.Mode,
		"uploadUrl": uploadURL,
		"uploadKey": key,
		"expiresAt": s.now().Add(s.presignTTL).UTC(),
	})
}

// ingestJob は外部 URL から元動画を取り込むジョブを作成します。
func (s *Server) ingestJob(c *gin.Context) {
	var req ingestJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_INPUT", "mode と sourceUrl を JSON で指定してください。")
		return
	}
	mode, err := keys.ParseMode(req.Mode)
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_MODE", "mode は anaglyph または side-by-side を指定してください。")
		return
	}

	id := uuid.NewString()
	body, err := keys.EncodeIngestMessage(id, req.SourceURL)
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_SOURCE_URL", "sourceUrl には http(s) の URL を指定してください。")
		return
	}

	job := &jobs.Job{
		JobID:     id,
		Mode:      mode,
		Status:    jobs.StatusCreated,
		Title:     strings.TrimSpace(req.Title),
		SourceURL: req.SourceURL,
	}
	ctx := c.Request.Context()
	if err := s.jobs.Create(ctx, job); err != nil {
		s.log.Error("create job failed", "error", err)
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "ジョブの作成に失敗しました。")
		return
	}
	if err := s.ingest.Send(ctx, body); err != nil {
		s.log.Error("enqueue ingest failed", "job_id", id, "error", err)
		abort(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "取り込みの登録に失敗しました。時間をおいて再度お試しください。")
		return
	}

	s.log.Info("ingest job created", "job_id", id, "mode", mode)
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":  id,
		"status": job.Status,
		"mode":   job.Mode,
	})
}

// getJob はジョブの状態を返します。完了済みなら成果物のダウンロード URL を付けます。
func (s *Server) getJob(c *gin.Context) {
	job, ok := s.lookup(c)
	if !ok {
		return
	}
	payload := jobPayload(job)
	if job.Status == jobs.StatusCompleted {
		url, err := s.objects.PresignDownload(c.Request.Context(), s.buckets.Output, keys.Final(job.JobID), s.presignTTL)
		if err != nil {
			s.log.Warn("presign download failed", "job_id", job.JobID, "error", err)
		} else {
			payload["downloadUrl"] = url
		}
	}
	c.JSON(http.StatusOK, payload)
}

// listCompleted は完了済みジョブを新しい順にページングして返します。
func (s *Server) listCompleted(c *gin.Context) {
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			abort(c, http.StatusBadRequest, "INVALID_INPUT", "limit には正の整数を指定してください。")
			return
		}
		limit = n
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	list, next, err := s.jobs.ListCompleted(c.Request.Context(), limit, c.Query("cursor"))
	if err != nil {
		s.log.Error("list completed jobs failed", "error", err)
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "ジョブ一覧の取得に失敗しました。")
		return
	}
	items := make([]gin.H, 0, len(list))
	for _, job := range list {
		items = append(items, jobPayload(job))
	}
	resp := gin.H{"jobs": items}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// listActive は処理中のジョブを返します。
func (s *Server) listActive(c *gin.Context) {
	list, err := s.jobs.ListInProgress(c.Request.Context())
	if err != nil {
		s.log.Error("list active jobs failed", "error", err)
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "ジョブ一覧の取得に失敗しました。")
		return
	}
	items := make([]gin.H, 0, len(list))
	for _, job := range list {
		items = append(items, jobPayload(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": items})
}

// deleteJob はジョブを deleted にし、成果物の削除を依頼します。
// すでに deleted のジョブに対しては削除依頼だけを再送します。
func (s *Server) deleteJob(c *gin.Context) {
	job, ok := s.lookup(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if job.Status != jobs.StatusDeleted {
		if !jobs.Deletable(job.Status) {
			abort(c, http.StatusConflict, "JOB_IN_PROGRESS", "処理中のジョブは削除できません。")
			return
		}
		_, err := s.jobs.Update(ctx, job.JobID, jobs.SetStatus(jobs.StatusDeleted, jobs.StatusCompleted, jobs.StatusFailed))
		switch {
		case err == nil:
		case errors.Is(err, jobs.ErrStatusConflict), errors.Is(err, jobs.ErrInvalidTransition):
			abort(c, http.StatusConflict, "JOB_IN_PROGRESS", "ジョブの状態が変わったため削除できませんでした。")
			return
		default:
			s.log.Error("mark deleted failed", "job_id", job.JobID, "error", err)
			abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "ジョブの削除に失敗しました。")
			return
		}
	}

	body, err := keys.EncodeJobMessage(job.JobID)
	if err == nil {
		err = s.deletion.Send(ctx, body)
	}
	if err != nil {
		s.log.Error("enqueue deletion failed", "job_id", job.JobID, "error", err)
		abort(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "削除処理の登録に失敗しました。再度お試しください。")
		return
	}

	s.log.Info("job deleted", "job_id", job.JobID)
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.JobID, "status": jobs.StatusDeleted})
}

// lookup はパスの :id からジョブを取得します。見つからなければレスポンスを書いて false を返します。
func (s *Server) lookup(c *gin.Context) (*jobs.Job, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		abort(c, http.StatusBadRequest, "INVALID_INPUT", "jobId を指定してください。")
		return nil, false
	}
	job, err := s.jobs.Get(c.Request.Context(), id, true)
	if err != nil {
		s.log.Error("get job failed", "job_id", id, "error", err)
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "ジョブ情報の取得に失敗しました。")
		return nil, false
	}
	if job == nil {
		abort(c, http.StatusNotFound, "JOB_NOT_FOUND", "指定されたジョブは存在しません。")
		return nil, false
	}
	return job, true
}

func jobPayload(job *jobs.Job) gin.H {
	payload := gin.H{
		"jobId":     job.JobID,
		"mode":      job.Mode,
		"status":    job.Status,
		"createdAt": job.CreatedAt,
		"updatedAt": job.UpdatedAt,
	}
	if job.Title != "" {
		payload["title"] = job.Title
	}
	if job.SourceURL != "" {
		payload["sourceUrl"] = job.SourceURL
	}
	if job.SourceFileSizeBytes > 0 {
		payload["sourceFileSizeBytes"] = job.SourceFileSizeBytes
	}
	if job.TotalSegments != nil {
		payload["totalSegments"] = *job.TotalSegments
	}
	if job.UploadedAt != nil {
		payload["uploadedAt"] = job.UploadedAt
	}
	if job.CompletedAt != nil {
		payload["completedAt"] = job.CompletedAt
	}
	if job.Error != nil {
		payload["error"] = job.Error
	}
	return payload
}
