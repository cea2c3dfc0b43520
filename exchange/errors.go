package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoPosition is returned by close and reduce operations when the venue
// reports no open position for the symbol.
var ErrNoPosition = errors.New("no open position")

// TransientError is a venue failure that a retry can fix: network errors,
// timeouts, rate limits (429/418) and 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a venue rejection that retrying cannot fix, such as
// insufficient margin, an unknown symbol or a filter violation. Code is the
// venue error code when one was returned.
type PermanentError struct {
	Op   string
	Code int
	Msg  string
}

func (e *PermanentError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: venue rejected request (code %d): %s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// apiError is the venue's JSON error body, e.g.
// {"code":-2019,"msg":"Margin is insufficient."}
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Venue error codes that matter to classification.
const (
	codeTimestampOutOfWindow = -1021
	codeTooManyRequests      = -1003
)

// classifyHTTP turns a non-2xx response into the right error kind. Rate
// limits and server-side failures are transient; everything else is a
// rejection the caller must not retry.
func classifyHTTP(op string, status int, body []byte) error {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil {
		ae = apiError{Msg: string(body)}
	}

	switch {
	case status == 408 || status == 429 || status == 418 || status >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("HTTP %d (code %d): %s", status, ae.Code, ae.Msg)}
	case ae.Code == codeTimestampOutOfWindow || ae.Code == codeTooManyRequests:
		return &TransientError{Op: op, Err: fmt.Errorf("HTTP %d (code %d): %s", status, ae.Code, ae.Msg)}
	default:
		return &PermanentError{Op: op, Code: ae.Code, Msg: ae.Msg}
	}
}
