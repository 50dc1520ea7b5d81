package nvenc

import (
	"errors"
	"fmt"
)

// Status is a raw status code returned by the vendor encode API.
type Status int32

// Status codes, numerically identical to the vendor ABI so a binding can
// pass them through unchanged.
const (
	StatusSuccess               Status = 0
	StatusNoEncodeDevice        Status = 1
	StatusUnsupportedDevice     Status = 2
	StatusInvalidEncoderDevice  Status = 3
	StatusInvalidDevice         Status = 4
	StatusNeedMoreInput         Status = 5
	StatusDeviceNotExist        Status = 6
	StatusInvalidPtr            Status = 7
	StatusInvalidEvent          Status = 8
	StatusInvalidParam          Status = 9
	StatusInvalidCall           Status = 10
	StatusOutOfMemory           Status = 11
	StatusEncoderNotInitialized Status = 12
	StatusUnsupportedParam      Status = 13
	StatusLockBusy              Status = 14
	StatusNotEnoughBuffer       Status = 15
	StatusInvalidVersion        Status = 16
	StatusMapFailed             Status = 17
	StatusNeedMoreOutput        Status = 18
	StatusEncoderBusy           Status = 19
	StatusEventNotRegistered    Status = 20
	StatusGeneric               Status = 21
	StatusIncompatibleClientKey Status = 22
	StatusUnimplemented         Status = 23
)

var statusNames = map[Status]string{
	StatusSuccess:               "success",
	StatusNoEncodeDevice:        "no encode device",
	StatusUnsupportedDevice:     "unsupported device",
	StatusInvalidEncoderDevice:  "invalid encoder device",
	StatusInvalidDevice:         "invalid device",
	StatusNeedMoreInput:         "need more input",
	StatusDeviceNotExist:        "device does not exist",
	StatusInvalidPtr:            "invalid pointer",
	StatusInvalidEvent:          "invalid event",
	StatusInvalidParam:          "invalid parameter",
	StatusInvalidCall:           "invalid call",
	StatusOutOfMemory:           "out of memory",
	StatusEncoderNotInitialized: "encoder not initialized",
	StatusUnsupportedParam:      "unsupported parameter",
	StatusLockBusy:              "lock busy",
	StatusNotEnoughBuffer:       "not enough buffer",
	StatusInvalidVersion:        "invalid version",
	StatusMapFailed:             "map failed",
	StatusNeedMoreOutput:        "need more output",
	StatusEncoderBusy:           "encoder busy",
	StatusEventNotRegistered:    "event not registered",
	StatusGeneric:               "generic failure",
	StatusIncompatibleClientKey: "incompatible client key",
	StatusUnimplemented:         "unimplemented",
}

// String returns a readable name for the status code.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Class partitions status codes by how the session must react to them.
type Class int

const (
	// ClassFatal aborts the current operation and drives the session to
	// Closed.
	ClassFatal Class = iota
	// ClassRetryable is retried a bounded number of times with backoff,
	// then promoted to fatal.
	ClassRetryable
	// ClassInformational is not an error; the caller keeps feeding frames.
	ClassInformational
	// ClassConfiguration is only surfaced while opening a session, never
	// during steady-state encoding.
	ClassConfiguration
)

// Classify maps a status code into the class the session state machine
// consumes. Unknown codes are fatal.
func (s Status) Classify() Class {
	switch s {
	case StatusLockBusy, StatusEncoderBusy:
		return ClassRetryable
	case StatusNeedMoreInput, StatusNeedMoreOutput:
		return ClassInformational
	case StatusUnsupportedParam, StatusInvalidParam, StatusInvalidVersion:
		return ClassConfiguration
	default:
		return ClassFatal
	}
}

// Sentinel errors carried (wrapped) by every error this package returns, so
// callers branch with errors.Is instead of reading status tables.
var (
	ErrDeviceUnavailable     = errors.New("no encode-capable device available")
	ErrUnsupportedDevice     = errors.New("device does not support encoding")
	ErrConfiguration         = errors.New("unsupported encoder configuration")
	ErrOutOfMemory           = errors.New("encoder out of memory")
	ErrLockBusy              = errors.New("buffer lock busy")
	ErrEncoderBusy           = errors.New("encoder busy")
	ErrNeedMoreInput         = errors.New("encoder needs more input")
	ErrEncoderNotInitialized = errors.New("encoder not initialized")
	ErrMalformedGUID         = errors.New("malformed GUID")
	ErrNoLowLatencyPreset    = errors.New("no low-latency preset available")
	ErrEnumerationMismatch   = errors.New("enumeration count mismatch")
	ErrBufferLockState       = errors.New("buffer lock state violation")
	ErrDriverUnavailable     = errors.New("no encode driver registered")
)

// StatusError wraps a non-success vendor status with the operation that
// produced it.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// Unwrap maps the status onto the sentinel taxonomy.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case StatusNoEncodeDevice, StatusDeviceNotExist:
		return ErrDeviceUnavailable
	case StatusUnsupportedDevice, StatusInvalidDevice, StatusInvalidEncoderDevice:
		return ErrUnsupportedDevice
	case StatusOutOfMemory, StatusNotEnoughBuffer:
		return ErrOutOfMemory
	case StatusLockBusy:
		return ErrLockBusy
	case StatusEncoderBusy:
		return ErrEncoderBusy
	case StatusNeedMoreInput, StatusNeedMoreOutput:
		return ErrNeedMoreInput
	case StatusEncoderNotInitialized:
		return ErrEncoderNotInitialized
	case StatusUnsupportedParam, StatusInvalidParam, StatusInvalidVersion, StatusIncompatibleClientKey:
		return ErrConfiguration
	default:
		return nil
	}
}

// statusErr converts a vendor status into an error, nil on success.
func statusErr(op string, s Status) error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Op: op, Status: s}
}

// IsRetryable reports whether err came from a retryable status
// (lock busy, encoder busy).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockBusy) || errors.Is(err, ErrEncoderBusy)
}
