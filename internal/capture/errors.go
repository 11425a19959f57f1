package capture

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

var (
	// ErrPermissionDenied means the reporter refused hardware access. Fatal
	// to the session, never retried.
	ErrPermissionDenied = errors.New("hardware permission denied")
	// ErrDeviceUnavailable means the reporter's feed is not publishing yet or
	// went away. Retried once, then fatal.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrRecorderStart means a recorder cycle could not begin on the handle.
	ErrRecorderStart = errors.New("recorder start failed")
	// ErrTokenEnded means End was called twice on a single-use recorder token.
	ErrTokenEnded = errors.New("recorder token already ended")
	// ErrSessionStarted means Start was called twice on one controller.
	ErrSessionStarted = errors.New("session already started")
)

// UploadError classifies a segment upload failure. Transient errors are
// retried with backoff; permanent errors are not.
type UploadError struct {
	Err       error
	Permanent bool
}

func (e *UploadError) Error() string {
	class := "transient"
	if e.Permanent {
		class = "permanent"
	}
	return fmt.Sprintf("upload error (%s): %v", class, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// IsPermanentUpload reports whether err is a permanent upload failure.
func IsPermanentUpload(err error) bool {
	var ue *UploadError
	return errors.As(err, &ue) && ue.Permanent
}

// retryableClientCodes are client-fault S3 responses that still deserve a
// retry: the request was fine, the service wants it slower or again.
var retryableClientCodes = map[string]bool{
	"RequestTimeout":      true,
	"SlowDown":            true,
	"TooManyRequests":     true,
	"Throttling":          true,
	"ThrottlingException": true,
}

// classifyUpload maps a raw object store error onto the transient/permanent
// taxonomy. Client faults (AccessDenied, EntityTooLarge, InvalidRequest and
// the rest of the 4xx family) will fail identically on every attempt, so they
// become permanent; throttling-shaped client codes and everything else stay
// transient.
func classifyUpload(err error) error {
	if err == nil {
		return nil
	}
	var ue *UploadError
	if errors.As(err, &ue) {
		return err
	}
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorFault() == smithy.FaultClient && !retryableClientCodes[ae.ErrorCode()] {
		return &UploadError{Err: err, Permanent: true}
	}
	return err
}
