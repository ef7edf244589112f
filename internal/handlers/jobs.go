package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
	"github.com/crosspost-labs/crosspost/backend/internal/social"
)

// publishJobTimeout bounds one whole cross-post run, all platforms included.
const publishJobTimeout = 30 * time.Minute

type publishRequest struct {
	Title    string   `json:"title"`
	Text     string   `json:"text"`
	Services []string `json:"services"`
	VideoKey string   `json:"videoKey"`
	VideoURL string   `json:"videoUrl"`
	HLSURL   string   `json:"hlsUrl"`
}

type providerResult struct {
	PostID  string `json:"postId,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// CreatePublishJob queues one cross-post run and returns immediately with
// the job id; the fan-out happens in the background and progress streams
// over the events socket.
func (h *Handler) CreatePublishJob(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.VideoKey == "" && req.VideoURL == "" {
		writeError(w, http.StatusBadRequest, "video_required")
		return
	}

	services := req.Services
	if len(services) == 0 {
		services = social.ServiceNames
	}
	for _, svc := range services {
		if h.registry.Provider(svc) == nil {
			writeError(w, http.StatusBadRequest, "unknown_service: "+svc)
			return
		}
	}

	jobID := uuid.NewString()
	_, err := h.db.ExecContext(r.Context(), `
		INSERT INTO public.publish_jobs (id, user_id, status, providers, created_at)
		VALUES ($1, $2, 'queued', $3, NOW())
	`, jobID, userID, pq.Array(services))
	if err != nil {
		h.logger.Printf("[PublishJob] create_failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "job_create_failed")
		return
	}

	go h.runPublishJob(jobID, userID, services, &req)

	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "queued"})
}

func (h *Handler) GetPublishJob(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	var job models.PublishJob
	var providers pq.StringArray
	err := h.db.QueryRowContext(r.Context(), `
		SELECT id, user_id, status, providers, error, result, created_at, started_at, finished_at
		  FROM public.publish_jobs WHERE id=$1
	`, id).Scan(&job.ID, &job.UserID, &job.Status, &providers, &job.Error, &job.ResultJSON, &job.CreatedAt, &job.StartedAt, &job.FinishedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "job_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job_lookup_failed")
		return
	}
	job.Providers = providers
	writeJSON(w, http.StatusOK, job)
}

// runPublishJob is the async path: detached context, progress over the
// events socket.
func (h *Handler) runPublishJob(jobID, userID string, services []string, req *publishRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), publishJobTimeout)
	defer cancel()
	h.executePublishJob(ctx, jobID, userID, services, req)
}

// executePublishJob fans one video out to every selected platform
// concurrently. Each platform runs its own session; one platform failing
// never aborts the others, and the job is "completed" if at least one
// platform posted.
func (h *Handler) executePublishJob(ctx context.Context, jobID, userID string, services []string, req *publishRequest) (string, map[string]providerResult) {
	h.setJobStatus(ctx, jobID, "running", nil, nil)
	h.emitEvent(userID, map[string]interface{}{"type": "publish_job", "jobId": jobID, "status": "running"})

	base := social.PublishRequest{
		Title:       req.Title,
		Text:        req.Text,
		VideoURL:    req.VideoURL,
		VideoHLSURL: req.HLSURL,
	}
	if req.VideoKey != "" && h.media != nil {
		if base.VideoURL == "" {
			base.VideoURL = h.media.PublicURL(req.VideoKey)
		}
		// Read the bytes once if any selected platform uploads them itself.
		needsBytes := lo.SomeBy(services, func(svc string) bool {
			return h.registry.Provider(svc).UploadsBytes()
		})
		if needsBytes {
			rc, contentType, err := h.media.Get(ctx, req.VideoKey)
			if err != nil {
				msg := "video_fetch_failed: " + err.Error()
				h.setJobStatus(ctx, jobID, "failed", &msg, nil)
				h.emitEvent(userID, map[string]interface{}{"type": "publish_job", "jobId": jobID, "status": "failed"})
				return "failed", nil
			}
			base.Video, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				msg := "video_read_failed: " + err.Error()
				h.setJobStatus(ctx, jobID, "failed", &msg, nil)
				h.emitEvent(userID, map[string]interface{}{"type": "publish_job", "jobId": jobID, "status": "failed"})
				return "failed", nil
			}
			base.MimeType = contentType
		}
	}

	var mu sync.Mutex
	results := make(map[string]providerResult, len(services))

	var wg sync.WaitGroup
	for _, svc := range services {
		p := h.registry.Provider(svc)
		wg.Add(1)
		go func(p *social.Provider) {
			defer wg.Done()
			if !h.registry.QuotaAllows(ctx, p, 1) {
				mu.Lock()
				results[p.Name()] = providerResult{Error: "daily_quota_exhausted", Kind: string(social.KindQuota)}
				mu.Unlock()
				return
			}
			r := base // copy; platforms must not share mutable request state
			postID, err := p.Publish(ctx, userID, &r)

			var res providerResult
			switch {
			case err != nil:
				res = providerResult{Error: err.Error(), Kind: string(social.KindOf(err))}
			case postID == "":
				res = providerResult{Skipped: true}
			default:
				res = providerResult{PostID: postID}
				raw, _ := json.Marshal(map[string]string{"postId": postID})
				if err := h.store.RecordPublishedPost(ctx, userID, p.Name(), postID, req.Title, "", raw); err != nil {
					h.logger.Printf("[PublishJob] library_record_failed jobId=%s provider=%s err=%v", jobID, p.Name(), err)
				}
			}
			mu.Lock()
			results[p.Name()] = res
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	posted := 0
	failed := 0
	for _, res := range results {
		switch {
		case res.PostID != "":
			posted++
		case res.Error != "":
			failed++
		}
	}
	status := "completed"
	var jobErr *string
	if posted == 0 && failed > 0 {
		status = "failed"
		msg := "all_providers_failed"
		jobErr = &msg
	}

	resultJSON, _ := json.Marshal(results)
	h.setJobStatus(ctx, jobID, status, jobErr, resultJSON)
	h.logger.Printf("[PublishJob] done jobId=%s userId=%s status=%s posted=%d failed=%d skipped=%d",
		jobID, userID, status, posted, failed, len(results)-posted-failed)
	h.emitEvent(userID, map[string]interface{}{
		"type": "publish_job", "jobId": jobID, "status": status, "results": results,
	})
	return status, results
}

// PublishNow runs the fan-out inline and returns per-provider results in
// the response instead of over the events socket.
func (h *Handler) PublishNow(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.VideoKey == "" && req.VideoURL == "" {
		writeError(w, http.StatusBadRequest, "video_required")
		return
	}

	services := req.Services
	if len(services) == 0 {
		services = social.ServiceNames
	}
	for _, svc := range services {
		if h.registry.Provider(svc) == nil {
			writeError(w, http.StatusBadRequest, "unknown_service: "+svc)
			return
		}
	}

	jobID := uuid.NewString()
	_, err := h.db.ExecContext(r.Context(), `
		INSERT INTO public.publish_jobs (id, user_id, status, providers, created_at)
		VALUES ($1, $2, 'queued', $3, NOW())
	`, jobID, userID, pq.Array(services))
	if err != nil {
		h.logger.Printf("[PublishJob] create_failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "job_create_failed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), publishJobTimeout)
	defer cancel()
	status, results := h.executePublishJob(ctx, jobID, userID, services, &req)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":   jobID,
		"status":  status,
		"results": results,
	})
}

func (h *Handler) setJobStatus(ctx context.Context, jobID, status string, errMsg *string, result []byte) {
	var resultArg interface{}
	if result != nil {
		resultArg = string(result)
	}
	_, err := h.db.ExecContext(ctx, `
		UPDATE public.publish_jobs
		   SET status = $2,
		       error = $3,
		       result = COALESCE($4::jsonb, result),
		       started_at = CASE WHEN $2 = 'running' THEN NOW() ELSE started_at END,
		       finished_at = CASE WHEN $2 IN ('completed','failed') THEN NOW() ELSE finished_at END
		 WHERE id = $1
	`, jobID, status, errMsg, resultArg)
	if err != nil {
		h.logger.Printf("[PublishJob] status_update_failed jobId=%s status=%s err=%v", jobID, status, err)
	}
}
