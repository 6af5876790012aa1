package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gradeflow/xqueue/internal/adapter/observability"
	"github.com/gradeflow/xqueue/internal/config"
	"github.com/gradeflow/xqueue/internal/domain"
)

// PullPayload is the document handed to a polling grader.
type PullPayload struct {
	XQueueHeader string `json:"xqueue_header"`
	XQueueBody   string `json:"xqueue_body"`
	XQueueFiles  string `json:"xqueue_files"`
}

// PullService implements the external grader pull interface.
type PullService struct {
	Repo   domain.SubmissionRepository
	Queues config.QueueFile
	LMS    domain.LMSNotifier

	// MaxFailures bounds LMS delivery attempts before auto-retirement.
	MaxFailures int

	// FetchClient fetches external file documents for spilled mappings.
	FetchClient *http.Client
}

// NewPullService wires a PullService.
func NewPullService(repo domain.SubmissionRepository, queues config.QueueFile, lms domain.LMSNotifier, maxFailures int, fetchTimeout time.Duration) *PullService {
	return &PullService{
		Repo:        repo,
		Queues:      queues,
		LMS:         lms,
		MaxFailures: maxFailures,
		FetchClient: &http.Client{Timeout: fetchTimeout},
	}
}

// QueueLength returns the number of currently pullable submissions.
func (s *PullService) QueueLength(ctx context.Context, queueName string) (int64, error) {
	if !s.Queues.Valid(queueName) {
		return 0, fmt.Errorf("op=pull.queue_length queue=%s: %w", queueName, domain.ErrUnknownQueue)
	}
	n, err := s.Repo.QueueLength(ctx, queueName)
	if err != nil {
		return 0, fmt.Errorf("op=pull.queue_length: %w", err)
	}
	return n, nil
}

// GetSubmission claims the oldest pullable submission for the caller and
// materializes its file mapping.
func (s *PullService) GetSubmission(ctx context.Context, queueName, graderIP string) (PullPayload, error) {
	if !s.Queues.Valid(queueName) {
		return PullPayload{}, fmt.Errorf("op=pull.get_submission queue=%s: %w", queueName, domain.ErrUnknownQueue)
	}
	sub, err := s.Repo.ClaimPullable(ctx, queueName, graderIP)
	if err != nil {
		return PullPayload{}, err
	}

	files, err := s.materializeFiles(ctx, sub)
	if err != nil {
		// The claim stamp stands; the row becomes pullable again after the
		// processing delay.
		return PullPayload{}, err
	}

	header, err := json.Marshal(domain.GraderHeader{SubmissionID: sub.ID, SubmissionKey: sub.Pullkey})
	if err != nil {
		return PullPayload{}, fmt.Errorf("op=pull.get_submission: %w", err)
	}
	observability.SubmissionsPulledTotal.WithLabelValues(queueName).Inc()
	return PullPayload{
		XQueueHeader: string(header),
		XQueueBody:   sub.XQueueBody,
		XQueueFiles:  files,
	}, nil
}

// materializeFiles resolves the sentinel form by fetching the external
// document and splicing out its files field.
func (s *PullService) materializeFiles(ctx context.Context, sub domain.Submission) (string, error) {
	if sub.URLs == "" {
		return "{}", nil
	}
	var urls map[string]string
	if err := json.Unmarshal([]byte(sub.URLs), &urls); err != nil {
		return "", fmt.Errorf("op=pull.materialize_files id=%d: %w", sub.ID, err)
	}
	docURL, spilled := urls[domain.ExternalDictsKey]
	if !spilled {
		return sub.URLs, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return "", fmt.Errorf("op=pull.materialize_files id=%d: %w", sub.ID, err)
	}
	resp, err := s.FetchClient.Do(req)
	if err != nil {
		slog.Error("could not fetch uploaded files", slog.String("url", docURL), slog.Any("error", err))
		return "", fmt.Errorf("op=pull.materialize_files id=%d: %w", sub.ID, domain.ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		slog.Error("could not fetch uploaded files",
			slog.String("url", docURL), slog.Int("status", resp.StatusCode))
		return "", fmt.Errorf("op=pull.materialize_files id=%d status=%d: %w", sub.ID, resp.StatusCode, domain.ErrUpstream)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=pull.materialize_files id=%d: %w", sub.ID, domain.ErrUpstream)
	}
	var doc struct {
		Files map[string]string `json:"files"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("op=pull.materialize_files id=%d: %w", sub.ID, err)
	}
	flat, err := json.Marshal(doc.Files)
	if err != nil {
		return "", fmt.Errorf("op=pull.materialize_files id=%d: %w", sub.ID, err)
	}
	return string(flat), nil
}

// PutResult accepts a verdict from a pull grader. The row lock is held
// across the LMS callback so a concurrent requeue cannot strip the pullkey
// mid-delivery.
func (s *PullService) PutResult(ctx context.Context, rawHeader, body string) error {
	id, key, err := parseGraderHeader(rawHeader)
	if err != nil {
		return err
	}

	err = s.Repo.WithLocked(ctx, id, func(sub *domain.Submission) error {
		if sub.Pullkey == "" || key != sub.Pullkey {
			return fmt.Errorf("op=pull.put_result id=%d: %w", id, domain.ErrWrongKey)
		}

		now := time.Now().UTC()
		sub.ReturnTime = &now
		sub.GraderReply = body

		ack := s.LMS.PostVerdict(ctx, sub.XQueueHeader, body)
		sub.LMSAck = ack
		if !ack {
			sub.NumFailures++
			observability.LMSDeliveryFailuresTotal.WithLabelValues(sub.QueueName).Inc()
		}

		// Auto-retire once delivery has failed too many times; the LMS side
		// may be gone for good (course restructure, dead callback).
		switch {
		case sub.NumFailures > s.MaxFailures:
			sub.Retired = true
			observability.SubmissionsRetiredTotal.WithLabelValues(sub.QueueName, "failure_cap").Inc()
		default:
			sub.Retired = ack
			if ack {
				observability.SubmissionsRetiredTotal.WithLabelValues(sub.QueueName, "graded").Inc()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

// parseGraderHeader accepts submission_id as either a JSON number or a
// numeric string; pull graders are not consistent about this.
func parseGraderHeader(rawHeader string) (int64, string, error) {
	var header struct {
		SubmissionID  json.RawMessage `json:"submission_id"`
		SubmissionKey string          `json:"submission_key"`
	}
	if err := json.Unmarshal([]byte(rawHeader), &header); err != nil {
		return 0, "", fmt.Errorf("op=pull.put_result: %w: malformed xqueue_header", domain.ErrInvalidArgument)
	}
	if len(header.SubmissionID) == 0 || header.SubmissionKey == "" {
		return 0, "", fmt.Errorf("op=pull.put_result: %w: missing submission_id or submission_key", domain.ErrInvalidArgument)
	}
	idText := string(header.SubmissionID)
	if unquoted, err := strconv.Unquote(idText); err == nil {
		idText = unquoted
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("op=pull.put_result: %w: submission_id is not an integer", domain.ErrInvalidArgument)
	}
	return id, header.SubmissionKey, nil
}
