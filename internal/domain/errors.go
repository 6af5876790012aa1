package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrAuth            = errors.New("authentication required")
	ErrQueueEmpty      = errors.New("queue empty")
	ErrUnknownQueue    = errors.New("unknown queue")
	ErrWrongKey        = errors.New("incorrect submission key")
	ErrRetired         = errors.New("submission retired")
	ErrConflict        = errors.New("conflict")
	ErrUpstream        = errors.New("upstream failure")
	ErrInternal        = errors.New("internal error")
)
