package proto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpsErr_TimeoutIsCommunication(t *testing.T) {
	assert.True(t, errors.Is(OpsCommTimeout, OpsCommunication))
	assert.False(t, errors.Is(OpsCommunication, OpsCommTimeout))
	assert.True(t, IsTransient(fmt.Errorf("send: %w", OpsCommTimeout)))
	assert.False(t, IsTransient(OpsInterrupted))
	assert.NoError(t, OpsSuccess.Err())
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want OpsErr
	}{
		{"nil", nil, OpsSuccess},
		{"wrapped enum", fmt.Errorf("list: %w", OpsUnknownTarget), OpsUnknownTarget},
		{"missing file", &os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, OpsPathNotExists},
		{"cancelled", context.Canceled, OpsInterrupted},
		{"deadline", context.DeadlineExceeded, OpsCommTimeout},
		{"other", errors.New("disk on fire"), OpsInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromError(tt.err))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(OpsCommTimeout))
	assert.Equal(t, 3, ExitCode(OpsUnknownTarget))
	assert.Equal(t, 4, ExitCode(OpsInterrupted))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
}
