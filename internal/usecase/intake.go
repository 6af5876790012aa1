// Package usecase contains the submission lifecycle operations: LMS intake
// and the external pull interface. Push delivery lives in the consumer
// package; both share the repository ports defined in domain.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gradeflow/xqueue/internal/adapter/observability"
	"github.com/gradeflow/xqueue/internal/config"
	"github.com/gradeflow/xqueue/internal/domain"
	"github.com/gradeflow/xqueue/pkg/hashkey"
)

// UploadedFile is one multipart file from the LMS request.
type UploadedFile struct {
	Name        string
	Data        []byte
	ContentType string
}

// IntakeService accepts submissions from the LMS.
type IntakeService struct {
	Repo   domain.SubmissionRepository
	Blobs  domain.BlobStore
	Queues config.QueueFile
	Wake   domain.WakeNotifier

	validate *validator.Validate
}

// NewIntakeService wires an IntakeService.
func NewIntakeService(repo domain.SubmissionRepository, blobs domain.BlobStore, queues config.QueueFile, wake domain.WakeNotifier) *IntakeService {
	return &IntakeService{
		Repo:     repo,
		Blobs:    blobs,
		Queues:   queues,
		Wake:     wake,
		validate: validator.New(),
	}
}

// Submit validates and persists one submission, uploading any files, and
// returns the resulting queue length. The row is committed before the wake
// notification fires so a woken worker can never see a dangling pointer.
func (s *IntakeService) Submit(ctx context.Context, requesterID, rawHeader, body string, files []UploadedFile) (int64, error) {
	var header domain.SubmitHeader
	if err := json.Unmarshal([]byte(rawHeader), &header); err != nil {
		return 0, fmt.Errorf("op=intake.submit: %w: malformed xqueue_header", domain.ErrInvalidArgument)
	}
	if err := s.validate.Struct(header); err != nil {
		return 0, fmt.Errorf("op=intake.submit: %w: xqueue_header missing required fields", domain.ErrInvalidArgument)
	}
	if !s.Queues.Valid(header.QueueName) {
		return 0, fmt.Errorf("op=intake.submit queue=%s: %w", header.QueueName, domain.ErrUnknownQueue)
	}

	// Latest submission wins: anything still in flight for this callback URL
	// is superseded. Also bounds resubmission DoS to one live row.
	callbackURL := truncate(header.LMSCallbackURL, domain.FieldLenSmall)
	if n, err := s.Repo.InvalidatePrior(ctx, callbackURL); err != nil {
		return 0, fmt.Errorf("op=intake.submit: %w", err)
	} else if n > 0 {
		slog.Info("superseded prior submissions",
			slog.String("lms_callback_url", callbackURL), slog.Int64("count", n))
	}

	urlsJSON, keysJSON, err := s.storeFiles(ctx, header.QueueName, rawHeader, files)
	if err != nil {
		return 0, err
	}

	sub := domain.Submission{
		RequesterID:    truncate(requesterID, domain.FieldLenSmall),
		LMSCallbackURL: callbackURL,
		QueueName:      truncate(header.QueueName, domain.FieldLenSmall),
		XQueueHeader:   rawHeader,
		XQueueBody:     body,
		URLs:           urlsJSON,
		Keys:           keysJSON,
	}
	id, err := s.Repo.Create(ctx, sub)
	if err != nil {
		return 0, fmt.Errorf("op=intake.submit: %w", err)
	}
	observability.SubmissionsReceivedTotal.WithLabelValues(sub.QueueName).Inc()
	slog.Info("submission accepted",
		slog.Int64("id", id),
		slog.String("queue", sub.QueueName),
		slog.Int("files", len(files)))

	if _, isPush := s.Queues.PushQueues()[sub.QueueName]; isPush && s.Wake != nil {
		s.Wake.Notify(ctx, sub.QueueName)
	}

	qlen, err := s.Repo.QueueLength(ctx, sub.QueueName)
	if err != nil {
		return 0, fmt.Errorf("op=intake.submit: %w", err)
	}
	return qlen, nil
}

// storeFiles uploads each file under <queue>/<md5(header||filename)> and
// returns the serialized url and key mappings. Mappings too large for their
// columns spill into a blob referenced by the sentinel pair.
func (s *IntakeService) storeFiles(ctx context.Context, queueName, rawHeader string, files []UploadedFile) (string, string, error) {
	urls := make(map[string]string, len(files))
	keys := make(map[string]string, len(files))
	for _, f := range files {
		key := hashkey.Make(rawHeader + f.Name)
		contentType := f.ContentType
		if contentType == "" {
			contentType = mimetype.Detect(f.Data).String()
		}
		path := queueName + "/" + key
		if err := s.Blobs.Save(ctx, path, f.Data, contentType); err != nil {
			return "", "", fmt.Errorf("op=intake.store_files file=%s: %w", f.Name, err)
		}
		publicURL, err := s.Blobs.URL(ctx, path)
		if err != nil {
			return "", "", fmt.Errorf("op=intake.store_files file=%s: %w", f.Name, err)
		}
		keys[f.Name] = key
		urls[f.Name] = publicURL
	}

	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return "", "", fmt.Errorf("op=intake.store_files: %w", err)
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return "", "", fmt.Errorf("op=intake.store_files: %w", err)
	}

	if len(urlsJSON) <= domain.FieldLenLarge && len(keysJSON) <= domain.FieldLenLarge {
		return string(urlsJSON), string(keysJSON), nil
	}

	// Oversize: persist both mappings as one external document and store
	// only the pointer. get_submission fetches and flattens "files".
	doc, err := json.Marshal(map[string]any{"files": urls, "keys": keys})
	if err != nil {
		return "", "", fmt.Errorf("op=intake.store_files: %w", err)
	}
	blobKey := uuid.New().String()
	path := queueName + "/" + blobKey
	if err := s.Blobs.Save(ctx, path, doc, "application/json"); err != nil {
		return "", "", fmt.Errorf("op=intake.store_files: %w", err)
	}
	docURL, err := s.Blobs.URL(ctx, path)
	if err != nil {
		return "", "", fmt.Errorf("op=intake.store_files: %w", err)
	}
	sentinelURLs, err := json.Marshal(map[string]string{domain.ExternalDictsKey: docURL})
	if err != nil {
		return "", "", fmt.Errorf("op=intake.store_files: %w", err)
	}
	sentinelKeys, err := json.Marshal(map[string]string{domain.ExternalDictsKey: blobKey})
	if err != nil {
		return "", "", fmt.Errorf("op=intake.store_files: %w", err)
	}
	slog.Info("file mappings spilled to external document",
		slog.String("queue", queueName), slog.String("key", blobKey))
	return string(sentinelURLs), string(sentinelKeys), nil
}

// truncate clips s to at most max bytes without splitting a rune; the
// database columns reject invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
