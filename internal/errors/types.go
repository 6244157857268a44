package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// NotFoundError reports an unknown task id. Callers translate it to a 404.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// InvalidInputError reports unusable caller input, e.g. a referenced image
// file that does not exist.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return e.Reason
}

// TransportError reports a failed call to a remote service: network error,
// auth rejection or an unexpected HTTP status.
type TransportError struct {
	Service    string
	StatusCode int // 0 when the request never completed
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed with status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// JobFailedError reports a remote generation job that the service accepted
// but that terminated in failure.
type JobFailedError struct {
	JobID   string
	Code    string
	Message string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("generation job %s failed: %s: %s", e.JobID, e.Code, e.Message)
}

// TimeoutError reports that the poll loop exhausted its wait budget. It is
// distinct from a remote failure: the job may still finish later.
type TimeoutError struct {
	JobID   string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for generation job %s after %s", e.JobID, e.Elapsed)
}

// DownloadFailedError reports a succeeded job whose artifact could not be
// retrieved. The job result is unusable, so the run fails.
type DownloadFailedError struct {
	URL string
	Err error
}

func (e *DownloadFailedError) Error() string {
	return fmt.Sprintf("download of result image %s failed: %v", e.URL, e.Err)
}

func (e *DownloadFailedError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTimeout reports whether err carries a TimeoutError.
func IsTimeout(err error) bool {
	var to *TimeoutError
	return errors.As(err, &to)
}

// IsTransient reports whether err is worth retrying: network-level failures
// and throttling/server-side HTTP statuses. Remote job failures, timeouts
// and bad input are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var jobErr *JobFailedError
	if errors.As(err, &jobErr) {
		return false
	}
	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return false
	}
	var inErr *InvalidInputError
	if errors.As(err, &inErr) {
		return false
	}

	var trErr *TransportError
	if errors.As(err, &trErr) {
		if trErr.StatusCode > 0 {
			return isTransientHTTPStatus(trErr.StatusCode)
		}
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isTransientHTTPStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
