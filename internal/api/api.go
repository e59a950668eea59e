package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"model-benchmark/internal/core"
	"model-benchmark/internal/core/types"
	"model-benchmark/internal/database"
	"model-benchmark/internal/messaging"
	"model-benchmark/internal/storage"
	"model-benchmark/pkg/api"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

const maxFormMemory = 32 << 20

type BackendService struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	bucket    string
	now       func() time.Time
}

func NewBackendService(db *gorm.DB, storage storage.ObjectStore, pub messaging.Publisher, bucket string) *BackendService {
	return &BackendService{db: db, storage: storage, publisher: pub, bucket: bucket, now: time.Now}
}

// WithClock replaces the clock used to stamp submissions.
func (s *BackendService) WithClock(now func() time.Time) *BackendService {
	s.now = now
	return s
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/requests", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitRequest))
		r.Get("/", RestHandler(s.ListRequests))
		r.Get("/{user_id}", RestHandler(s.GetRequest))
		r.Get("/{user_id}/results", RestHandler(s.GetResults))
	})
}

type upload struct {
	key  string
	file io.ReadCloser
}

func (s *BackendService) SubmitRequest(r *http.Request) (any, error) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form: %v", err)
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	email := strings.TrimSpace(r.FormValue("email"))
	if email == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing 'email' field")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid email '%s': %v", email, err)
	}

	taskType, err := types.ParseTaskType(r.FormValue("task_type"))
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	submittedAt := s.now().UTC()
	userId := core.UserId(email, submittedAt)

	fields := []struct {
		field      string
		key        string
		extensions []string
	}{
		{field: "model", key: core.UserModelKey(userId), extensions: []string{".model", ".onnx"}},
		{field: "train_set", key: core.DatasetKey(userId, core.TrainSplit), extensions: []string{".csv"}},
		{field: "test_set", key: core.DatasetKey(userId, core.TestSplit), extensions: []string{".csv"}},
	}

	uploads := make([]upload, 0, len(fields))
	defer func() {
		for _, u := range uploads {
			u.file.Close()
		}
	}()
	for _, f := range fields {
		file, err := formFile(r, f.field, f.extensions...)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, upload{key: f.key, file: file})
	}

	ctx := r.Context()

	// The row is reserved before any upload so a concurrent submission with the same id
	// is rejected before it can overwrite this one's files.
	req := &database.Request{
		UserId:         userId,
		Email:          email,
		SubmissionTime: submittedAt.Format(core.SubmissionTimeLayout),
		TaskType:       string(taskType),
		Status:         database.RequestUploading,
		CreationTime:   time.Now().UTC(),
	}
	if err := database.CreateRequest(ctx, s.db, req); err != nil {
		if errors.Is(err, database.ErrRequestExists) {
			return nil, CodedErrorf(http.StatusConflict, "request %s already exists", userId)
		}
		slog.Error("error creating request", "user_id", userId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating request")
	}

	var uploaded []string
	for _, u := range uploads {
		if err := s.storage.PutObject(ctx, s.bucket, u.key, u.file); err != nil {
			slog.Error("error uploading submission file", "user_id", userId, "key", u.key, "error", err)
			s.abandonSubmission(ctx, userId, uploaded)
			return nil, CodedErrorf(http.StatusInternalServerError, "error uploading submission files")
		}
		uploaded = append(uploaded, u.key)
	}

	if err := database.ReleaseRequest(ctx, s.db, userId); err != nil {
		slog.Error("error releasing request", "user_id", userId, "error", err)
		s.abandonSubmission(ctx, userId, uploaded)
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating request")
	}

	// The pending scanner republishes requests whose task was never queued.
	if err := s.publisher.PublishEvaluationTask(ctx, messaging.EvaluationTaskPayload{UserId: userId}); err != nil {
		slog.Error("error publishing evaluation task", "user_id", userId, "error", err)
	}

	slog.Info("submitted evaluation request", "user_id", userId, "task_type", taskType)
	return api.SubmitResponse{UserId: userId, Status: database.RequestPending}, nil
}

// abandonSubmission removes the files and the reserved row of a submission that failed.
// It ignores the request context, which may already be cancelled.
func (s *BackendService) abandonSubmission(ctx context.Context, userId string, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := s.storage.DeleteObject(ctx, s.bucket, key); err != nil {
			slog.Error("error deleting submission file", "key", key, "error", err)
		}
	}
	if err := database.DeleteRequest(ctx, s.db, userId); err != nil {
		slog.Error("error deleting reserved request", "user_id", userId, "error", err)
	}
}

func validStatus(status string) bool {
	switch status {
	case database.RequestUploading, database.RequestPending, database.RequestInProgress, database.RequestCompleted, database.RequestFailed:
		return true
	}
	return false
}

func (s *BackendService) ListRequests(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListRequestsParams](r)
	if err != nil {
		return nil, err
	}

	status := strings.ToUpper(params.Status)
	if status != "" && !validStatus(status) {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid status '%s'", params.Status)
	}

	taskType := ""
	if params.TaskType != "" {
		t, err := types.ParseTaskType(params.TaskType)
		if err != nil {
			return nil, CodedError(http.StatusBadRequest, err)
		}
		taskType = string(t)
	}

	requests, err := database.ListRequests(r.Context(), s.db, status, taskType)
	if err != nil {
		slog.Error("error listing requests", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving requests")
	}

	out := make([]api.Request, 0, len(requests))
	for _, req := range requests {
		out = append(out, convertRequest(req))
	}
	return out, nil
}

func (s *BackendService) getRequest(r *http.Request) (*database.Request, error) {
	userId, err := URLParamUserId(r, "user_id")
	if err != nil {
		return nil, err
	}

	req, err := database.GetRequest(r.Context(), s.db, userId)
	if err != nil {
		if errors.Is(err, database.ErrRequestNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "request not found")
		}
		slog.Error("error getting request", "user_id", userId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving request record")
	}
	return req, nil
}

func (s *BackendService) GetRequest(r *http.Request) (any, error) {
	req, err := s.getRequest(r)
	if err != nil {
		return nil, err
	}
	return convertRequest(*req), nil
}

// GetResults returns the stored metrics of a completed request along with every error
// recorded for it. Requests that have not completed return only their status and errors.
func (s *BackendService) GetResults(r *http.Request) (any, error) {
	req, err := s.getRequest(r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	requestErrors, err := database.GetRequestErrors(ctx, s.db, req.UserId)
	if err != nil {
		slog.Error("error getting request errors", "user_id", req.UserId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving request errors")
	}

	results := api.Results{
		UserId:   req.UserId,
		TaskType: req.TaskType,
		Status:   req.Status,
		Errors:   make([]api.ModelError, 0, len(requestErrors)),
	}
	for _, e := range requestErrors {
		results.Errors = append(results.Errors, api.ModelError{
			Model:     e.Model,
			Stage:     e.Stage,
			Error:     e.Error,
			Timestamp: e.Timestamp,
		})
	}

	if req.Status != database.RequestCompleted {
		return results, nil
	}

	result, err := database.GetResult(ctx, s.db, req.UserId)
	if err != nil {
		if errors.Is(err, database.ErrResultNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "results not found")
		}
		slog.Error("error getting result", "user_id", req.UserId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving results")
	}

	if results.Metrics, err = result.DecodeMetrics(); err != nil {
		slog.Error("error decoding metrics", "user_id", req.UserId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error decoding results")
	}
	if results.ReportKeys, err = result.DecodeReportKeys(); err != nil {
		slog.Error("error decoding report keys", "user_id", req.UserId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error decoding results")
	}

	return results, nil
}

func convertRequest(req database.Request) api.Request {
	out := api.Request{
		UserId:         req.UserId,
		Email:          req.Email,
		TaskType:       req.TaskType,
		Status:         req.Status,
		SubmissionTime: req.SubmissionTime,
		CreationTime:   req.CreationTime,
	}
	if req.StartTime.Valid {
		out.StartTime = &req.StartTime.Time
	}
	if req.CompletionTime.Valid {
		out.CompletionTime = &req.CompletionTime.Time
	}
	return out
}
