package grader

import (
	"context"

	"github.com/gradeflow/xqueue/internal/domain"
)

// Canned answers every submission with a fixed reply. Used in development
// deployments to exercise a push queue without a live grading service.
type Canned struct{ Reply string }

// Respond implements domain.Grader.
func (c Canned) Respond(context.Context, domain.GraderPayload) (string, error) {
	return c.Reply, nil
}
