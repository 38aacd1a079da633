package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("connection refused")
	err := Errorf(ErrInternalError, "failed to persist checkpoint at node %q", "await_plan_review").
		WithCause(root).
		WithRetryable(true)

	assert.Equal(t, ErrInternalError, GetErrorCode(err))
	assert.True(t, HasCode(err, ErrInternalError))
	assert.False(t, HasCode(err, ErrInvalidGraph))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, root))
	assert.Contains(t, err.Error(), "INTERNAL_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestError_WithoutCause(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCheckpointConsumed, "checkpoint already consumed")
	assert.Nil(t, err.Unwrap())
	assert.Equal(t, "[CHECKPOINT_CONSUMED] checkpoint already consumed", err.Error())
	assert.False(t, IsRetryable(err))
}

func TestHelpers_PlainErrors(t *testing.T) {
	t.Parallel()

	plain := fmt.Errorf("plain")
	assert.Equal(t, ErrorCode(""), GetErrorCode(plain))
	assert.False(t, HasCode(plain, ErrInternalError))
	assert.False(t, IsRetryable(plain))
}
