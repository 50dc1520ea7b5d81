package nvenc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "lock busy", StatusLockBusy.String())
	assert.Equal(t, "status(99)", Status(99).String())
}

func TestStatusClassify(t *testing.T) {
	tests := []struct {
		status Status
		want   Class
	}{
		{StatusLockBusy, ClassRetryable},
		{StatusEncoderBusy, ClassRetryable},
		{StatusNeedMoreInput, ClassInformational},
		{StatusNeedMoreOutput, ClassInformational},
		{StatusUnsupportedParam, ClassConfiguration},
		{StatusInvalidParam, ClassConfiguration},
		{StatusInvalidVersion, ClassConfiguration},
		{StatusOutOfMemory, ClassFatal},
		{StatusGeneric, ClassFatal},
		{StatusMapFailed, ClassFatal},
		{Status(98), ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Classify())
		})
	}
}

func TestStatusErrSentinels(t *testing.T) {
	tests := []struct {
		status   Status
		sentinel error
	}{
		{StatusNoEncodeDevice, ErrDeviceUnavailable},
		{StatusDeviceNotExist, ErrDeviceUnavailable},
		{StatusUnsupportedDevice, ErrUnsupportedDevice},
		{StatusInvalidDevice, ErrUnsupportedDevice},
		{StatusOutOfMemory, ErrOutOfMemory},
		{StatusNotEnoughBuffer, ErrOutOfMemory},
		{StatusLockBusy, ErrLockBusy},
		{StatusEncoderBusy, ErrEncoderBusy},
		{StatusNeedMoreInput, ErrNeedMoreInput},
		{StatusEncoderNotInitialized, ErrEncoderNotInitialized},
		{StatusUnsupportedParam, ErrConfiguration},
		{StatusInvalidVersion, ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := statusErr("op", tt.status)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.Status)
		})
	}
}

func TestStatusErrSuccess(t *testing.T) {
	assert.NoError(t, statusErr("op", StatusSuccess))
}

func TestStatusErrMessage(t *testing.T) {
	err := statusErr("opening encode session", StatusInvalidVersion)
	assert.EqualError(t, err, "opening encode session: invalid version")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(statusErr("op", StatusLockBusy)))
	assert.True(t, IsRetryable(statusErr("op", StatusEncoderBusy)))
	assert.False(t, IsRetryable(statusErr("op", StatusGeneric)))
	assert.False(t, IsRetryable(statusErr("op", StatusOutOfMemory)))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("other")))
}
