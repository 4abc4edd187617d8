package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/devrev/streakd/internal/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestGetCode_ThroughWrapping(t *testing.T) {
	base := errors.NotFound("guild", "123")
	wrapped := fmt.Errorf("failed to load guild: %w", base)

	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(wrapped))
	assert.True(t, errors.IsNotFound(wrapped))
	assert.True(t, errors.IsStreakError(wrapped))
	assert.Equal(t, errors.ErrCodeInternal, errors.GetCode(stderrors.New("plain")))
	assert.Equal(t, errors.ErrCodeOK, errors.GetCode(nil))
}

func TestStreakError_ToGRPCStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *errors.StreakError
		want codes.Code
	}{
		{"validation", errors.Validation("bad"), codes.InvalidArgument},
		{"out of range", errors.OutOfRange("streak", -1, 0, 10), codes.InvalidArgument},
		{"not found", errors.NotFound("user", "1"), codes.NotFound},
		{"flow expired", errors.FlowExpired("f"), codes.DeadlineExceeded},
		{"invalid state", errors.InvalidState("empty"), codes.FailedPrecondition},
		{"corrupt", errors.CorruptData("/x", nil), codes.DataLoss},
		{"disk full", errors.DiskFull(99, 10), codes.ResourceExhausted},
		{"dm blocked", errors.DmBlocked("1"), codes.Unavailable},
		{"internal", errors.InternalError("boom", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestOutOfRange_MessageCarriesRange(t *testing.T) {
	err := errors.OutOfRange("thresholdRemaining", 9, 0, 4)
	assert.Contains(t, err.Error(), "between 0 and 4")
	assert.Equal(t, 4, err.Details["max"])
	assert.True(t, errors.IsClientError(err))
	assert.False(t, errors.IsClientError(errors.DmBlocked("1")))
}
