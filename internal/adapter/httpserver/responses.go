// Package httpserver implements the wire protocol spoken by the LMS and the
// pull graders. Every reply is HTTP 200 with a {return_code, content}
// envelope; return_code 1 carries a diagnostic string in content.
package httpserver

import (
	"encoding/json"
	"net/http"
)

// Protocol strings. Graders and the LMS client match on these verbatim, so
// they are frozen.
const (
	msgLoginRequired       = "login_required"
	msgLoggedIn            = "Logged in"
	msgBadCredentials      = "Incorrect login credentials"
	msgMissingCredentials  = "Insufficient login info"
	msgGoodbye             = "Goodbye"
	msgOK                  = "OK"
	msgBadSubmitFields     = "Queue request should have fields 'xqueue_header' and 'xqueue_body'"
	msgBadSubmitFormat     = "Queue request has invalid format"
	msgQueueNotFound       = "Queue '%s' not found"
	msgQueueEmpty          = "Queue '%s' is empty"
	msgValidQueues         = "Valid queue names are: %s"
	msgQueueLenParam       = "'get_queuelen' must provide parameter 'queue_name'"
	msgGetSubmissionParam  = "'get_submission' must provide parameter 'queue_name'"
	msgFetchError          = "Error fetching submission for %s. Please try again."
	msgBadReplyFormat      = "Incorrect reply format"
	msgSubmissionNotFound  = "Submission does not exist"
	msgWrongSubmissionKey  = "Incorrect key for submission"
)

// Content is a string on every reply except get_queuelen, which puts the
// count on the wire as a bare JSON number.
type envelope struct {
	ReturnCode int `json:"return_code"`
	Content    any `json:"content"`
}

func writeReply(w http.ResponseWriter, success bool, content any) {
	code := 1
	if success {
		code = 0
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{ReturnCode: code, Content: content})
}

func writeSuccess(w http.ResponseWriter, content any) { writeReply(w, true, content) }

func writeFailure(w http.ResponseWriter, content string) { writeReply(w, false, content) }
