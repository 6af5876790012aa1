package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gradeflow/xqueue/internal/config"
	"github.com/gradeflow/xqueue/internal/domain"
	"github.com/gradeflow/xqueue/internal/usecase"
)

// Server aggregates handlers dependencies.
type Server struct {
	Cfg      config.Config
	Queues   config.QueueFile
	Intake   *usecase.IntakeService
	Pull     *usecase.PullService
	Sessions *SessionManager
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, queues config.QueueFile, intake *usecase.IntakeService, pull *usecase.PullService, sessions *SessionManager) *Server {
	return &Server{Cfg: cfg, Queues: queues, Intake: intake, Pull: pull, Sessions: sessions}
}

// StatusHandler answers load-balancer probes.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeSuccess(w, msgOK)
	}
}

// LoginHandler authenticates a grader account and issues a session cookie.
// A GET always answers login_required; the LMS client probes with GET to
// detect an expired session.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeFailure(w, msgLoginRequired)
			return
		}
		if err := r.ParseForm(); err != nil {
			writeFailure(w, msgMissingCredentials)
			return
		}
		if !r.PostForm.Has("username") || !r.PostForm.Has("password") {
			writeFailure(w, msgMissingCredentials)
			return
		}
		username := r.PostFormValue("username")
		password := r.PostFormValue("password")
		if !s.Sessions.Authenticate(r.Context(), username, password) {
			writeFailure(w, msgBadCredentials)
			return
		}
		session, err := s.Sessions.CreateSession(username)
		if err != nil {
			LoggerFrom(r).Error("create session", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		s.Sessions.SetSessionCookie(w, session)
		writeSuccess(w, msgLoggedIn)
	}
}

// LogoutHandler clears the session cookie.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.Sessions.ClearSessionCookie(w)
		writeSuccess(w, msgGoodbye)
	}
}

// SubmitHandler accepts a grading job from the LMS. The reply content is the
// resulting queue length as a decimal string.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

		var files []usecase.UploadedFile
		if strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			if err := r.ParseMultipartForm(maxBytes); err != nil {
				writeFailure(w, msgBadSubmitFormat)
				return
			}
			for _, headers := range r.MultipartForm.File {
				for _, fh := range headers {
					f, err := fh.Open()
					if err != nil {
						writeFailure(w, msgBadSubmitFormat)
						return
					}
					data, err := io.ReadAll(f)
					_ = f.Close()
					if err != nil {
						writeFailure(w, msgBadSubmitFormat)
						return
					}
					files = append(files, usecase.UploadedFile{
						Name:        fh.Filename,
						Data:        data,
						ContentType: fh.Header.Get("Content-Type"),
					})
				}
			}
		} else if err := r.ParseForm(); err != nil {
			writeFailure(w, msgBadSubmitFormat)
			return
		}

		if !formHas(r, "xqueue_header") || !formHas(r, "xqueue_body") {
			writeFailure(w, msgBadSubmitFields)
			return
		}
		rawHeader := r.PostFormValue("xqueue_header")
		body := r.PostFormValue("xqueue_body")

		qlen, err := s.Intake.Submit(r.Context(), RequesterIP(r), rawHeader, body, files)
		switch {
		case err == nil:
			writeSuccess(w, strconv.FormatInt(qlen, 10))
		case errors.Is(err, domain.ErrUnknownQueue):
			writeFailure(w, fmt.Sprintf(msgQueueNotFound, queueNameFrom(rawHeader)))
		case errors.Is(err, domain.ErrInvalidArgument):
			writeFailure(w, msgBadSubmitFormat)
		default:
			LoggerFrom(r).Error("submit failed", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

// QueueLenHandler reports the number of pullable submissions in a queue.
func (s *Server) QueueLenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queueName := r.URL.Query().Get("queue_name")
		if queueName == "" {
			writeFailure(w, msgQueueLenParam)
			return
		}
		n, err := s.Pull.QueueLength(r.Context(), queueName)
		switch {
		case err == nil:
			writeSuccess(w, n)
		case errors.Is(err, domain.ErrUnknownQueue):
			writeFailure(w, fmt.Sprintf(msgValidQueues, strings.Join(s.Queues.Names(), ", ")))
		default:
			LoggerFrom(r).Error("queue length failed", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

// GetSubmissionHandler hands the oldest pullable submission to the calling
// grader. The content is itself a serialized JSON document.
func (s *Server) GetSubmissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queueName := r.URL.Query().Get("queue_name")
		if queueName == "" {
			writeFailure(w, msgGetSubmissionParam)
			return
		}
		payload, err := s.Pull.GetSubmission(r.Context(), queueName, RequesterIP(r))
		switch {
		case err == nil:
			content, merr := json.Marshal(payload)
			if merr != nil {
				LoggerFrom(r).Error("encode submission", "error", merr)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			writeSuccess(w, string(content))
		case errors.Is(err, domain.ErrUnknownQueue):
			writeFailure(w, fmt.Sprintf(msgQueueNotFound, queueName))
		case errors.Is(err, domain.ErrQueueEmpty):
			writeFailure(w, fmt.Sprintf(msgQueueEmpty, queueName))
		case errors.Is(err, domain.ErrUpstream):
			writeFailure(w, fmt.Sprintf(msgFetchError, queueName))
		default:
			LoggerFrom(r).Error("get submission failed", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

// PutResultHandler accepts a verdict from a pull grader.
func (s *Server) PutResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeFailure(w, msgBadReplyFormat)
			return
		}
		if !formHas(r, "xqueue_header") || !formHas(r, "xqueue_body") {
			writeFailure(w, msgBadReplyFormat)
			return
		}
		err := s.Pull.PutResult(r.Context(), r.PostFormValue("xqueue_header"), r.PostFormValue("xqueue_body"))
		switch {
		case err == nil:
			writeSuccess(w, "")
		case errors.Is(err, domain.ErrInvalidArgument):
			writeFailure(w, msgBadReplyFormat)
		case errors.Is(err, domain.ErrNotFound):
			writeFailure(w, msgSubmissionNotFound)
		case errors.Is(err, domain.ErrWrongKey):
			writeFailure(w, msgWrongSubmissionKey)
		default:
			LoggerFrom(r).Error("put result failed", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

// formHas reports whether the POST form carries the key, even with an empty
// value; xqueue_body may legitimately be "".
func formHas(r *http.Request, key string) bool {
	if r.PostForm.Has(key) {
		return true
	}
	if r.MultipartForm != nil {
		_, ok := r.MultipartForm.Value[key]
		return ok
	}
	return false
}

// queueNameFrom best-effort extracts queue_name for diagnostics.
func queueNameFrom(rawHeader string) string {
	var h domain.SubmitHeader
	_ = json.Unmarshal([]byte(rawHeader), &h)
	return h.QueueName
}
