package usecase_test

import (
	"context"
	"time"

	"github.com/gradeflow/xqueue/internal/adapter/repo/memory"
	"github.com/gradeflow/xqueue/internal/config"
)

const maxFailures = 3

func newRepo() *memory.SubmissionRepo {
	return memory.NewSubmissionRepo(time.Minute, maxFailures)
}

func queueFile() config.QueueFile {
	return config.QueueFile{Queues: map[string]string{
		"test-pull":    "",
		"certificates": "http://certs.internal:18010",
	}}
}

// fakeBlobs stores blobs in a map and serves URLs with a u:// scheme.
type fakeBlobs struct {
	saved map[string][]byte
	types map[string]string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{saved: make(map[string][]byte), types: make(map[string]string)}
}

func (b *fakeBlobs) Save(_ context.Context, path string, data []byte, contentType string) error {
	b.saved[path] = data
	b.types[path] = contentType
	return nil
}

func (b *fakeBlobs) URL(_ context.Context, path string) (string, error) {
	return "u://" + path, nil
}

// fakeLMS replays a scripted sequence of delivery outcomes.
type fakeLMS struct {
	acks     []bool
	i        int
	headers  []string
	bodies   []string
	failures int
}

func (l *fakeLMS) next() bool {
	ack := true
	if l.i < len(l.acks) {
		ack = l.acks[l.i]
	} else if len(l.acks) > 0 {
		ack = l.acks[len(l.acks)-1]
	}
	l.i++
	return ack
}

func (l *fakeLMS) PostVerdict(_ context.Context, header, body string) bool {
	l.headers = append(l.headers, header)
	l.bodies = append(l.bodies, body)
	return l.next()
}

func (l *fakeLMS) PostFailure(_ context.Context, header string) bool {
	l.failures++
	l.headers = append(l.headers, header)
	return l.next()
}

// fakeWake counts notifications per queue.
type fakeWake struct{ notified []string }

func (w *fakeWake) Notify(_ context.Context, queueName string) {
	w.notified = append(w.notified, queueName)
}
