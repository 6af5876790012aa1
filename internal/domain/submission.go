// Package domain holds the submission entity, the ports consumed by the
// adapters, and the error taxonomy shared across the dispatcher.
package domain

import (
	"context"
	"time"
)

// Column budgets mirrored by the schema. Values that would overflow the
// small fields are truncated on intake; the urls/keys mappings spill to an
// external blob instead (see ExternalDictsKey).
const (
	FieldLenSmall = 128
	FieldLenLarge = 1024
)

// ExternalDictsKey is the sentinel key stored in urls/keys when the
// serialized mapping exceeded FieldLenLarge and was moved to a blob.
const ExternalDictsKey = "URL_FOR_EXTERNAL_DICTS"

// Submission is the durable record of one grading job from LMS intake to
// retirement. The lifecycle state machine lives entirely on its fields:
// NEW -> (PUSHED|PULLED) -> RETURNED -> RETIRED, with RETIRED absorbing.
type Submission struct {
	ID             int64
	RequesterID    string
	LMSCallbackURL string
	QueueName      string
	XQueueHeader   string
	XQueueBody     string

	// URLs and Keys are JSON objects mapping file name to public URL and
	// internal storage key. Either may be the ExternalDictsKey sentinel form.
	URLs string
	Keys string

	ArrivalTime time.Time
	PullTime    *time.Time
	PushTime    *time.Time
	ReturnTime  *time.Time

	GraderID    string
	Pullkey     string
	GraderReply string

	NumFailures int
	LMSAck      bool
	Retired     bool
}

// SubmitHeader is the JSON document the LMS sends as xqueue_header.
// It is stored verbatim and passed through to the grader and back.
type SubmitHeader struct {
	LMSCallbackURL string `json:"lms_callback_url" validate:"required"`
	LMSKey         string `json:"lms_key" validate:"required"`
	QueueName      string `json:"queue_name" validate:"required"`
}

// GraderHeader is the xqueue_header exchanged with pull graders: issued by
// get_submission and validated on put_result.
type GraderHeader struct {
	SubmissionID  int64  `json:"submission_id"`
	SubmissionKey string `json:"submission_key"`
}

// QueueCount is one row of the per-queue unretired aggregate.
type QueueCount struct {
	QueueName string `json:"queue_name"`
	Count     int64  `json:"count"`
}

// SubmissionRepository is the storage port. Claim methods must stamp their
// time fields inside the same transaction that selects the row, so no two
// concurrent callers can receive the same submission.
type SubmissionRepository interface {
	Create(ctx context.Context, s Submission) (int64, error)
	Get(ctx context.Context, id int64) (Submission, error)

	// InvalidatePrior retires every unretired submission with the given
	// callback URL in one atomic update and returns how many it touched.
	InvalidatePrior(ctx context.Context, lmsCallbackURL string) (int64, error)

	// ClaimPullable returns the oldest eligible submission for the queue and
	// stamps pull_time, pullkey and grader_id before committing.
	// Returns ErrQueueEmpty when nothing is eligible.
	ClaimPullable(ctx context.Context, queueName, graderID string) (Submission, error)

	// ClaimPushable is the push-side analogue, stamping push_time and
	// grader_id.
	ClaimPushable(ctx context.Context, queueName, graderURL string) (Submission, error)

	QueueLength(ctx context.Context, queueName string) (int64, error)

	// Update writes the mutable fields of a non-retired row. Returns
	// ErrRetired if another actor already committed retired=true.
	Update(ctx context.Context, s Submission) error

	// WithLocked runs fn against the row under a row-level lock and persists
	// the mutations fn makes, all inside one transaction.
	WithLocked(ctx context.Context, id int64, fn func(*Submission) error) error

	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	QueueCounts(ctx context.Context) ([]QueueCount, error)

	// Maintenance selections; each returns ids so callers can re-check state
	// under WithLocked.
	StalePulled(ctx context.Context, queueName string, pulledBefore time.Time) ([]int64, error)
	FailedUnretired(ctx context.Context, queueName string) ([]int64, error)
	Orphans(ctx context.Context, queueName string, arrivedBefore time.Time) ([]int64, error)
	UnretiredBefore(ctx context.Context, queueName string, cutoff *time.Time) ([]int64, error)
}

// BlobStore is the object-store port used for uploaded files and overflow
// url/key dictionaries. Paths are "<queue_name>/<key>".
type BlobStore interface {
	Save(ctx context.Context, path string, data []byte, contentType string) error
	URL(ctx context.Context, path string) (string, error)
}

// LMSNotifier posts verdicts back to the LMS. Both calls report plain
// success: delivery failures are counted on the submission, never returned
// to the request that triggered grading.
type LMSNotifier interface {
	PostVerdict(ctx context.Context, header, body string) bool
	PostFailure(ctx context.Context, header string) bool
}

// GraderPayload is the document POSTed to a push grader.
type GraderPayload struct {
	XQueueBody  string `json:"xqueue_body"`
	XQueueFiles string `json:"xqueue_files"`
}

// Grader abstracts one external grading endpoint.
type Grader interface {
	Respond(ctx context.Context, p GraderPayload) (string, error)
}

// WakeNotifier signals push workers that a queue received a submission.
// Purely an optimization over database polling; correctness never depends
// on a notification arriving.
type WakeNotifier interface {
	Notify(ctx context.Context, queueName string)
}

// WakeListener blocks until a wake-up for the queue, the max wait elapses,
// or ctx is done.
type WakeListener interface {
	Wait(ctx context.Context, max time.Duration)
}
