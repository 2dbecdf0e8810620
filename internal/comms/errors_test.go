package comms

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	require.Equal(t, KindTimeout, KindOf(NewError(KindTimeout, "a", "c-1", cause)))
	require.Equal(t, KindTimeout, KindOf(fmt.Errorf("attempt: %w",
		NewError(KindTimeout, "a", "c-1", cause))), "wrapped errors keep their kind")
	require.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindUnknown, KindOf(cause), "plain errors are wrapped, not dropped")
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestUnwrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := NewError(KindConnectionFailed, "a", "c-1", cause)
	require.ErrorIs(t, err, cause)
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, Retryable(NewError(KindTimeout, "a", "", nil)))
	require.True(t, Retryable(NewError(KindConnectionFailed, "a", "", nil)))
	require.True(t, Retryable(NewError(KindUnknown, "a", "", nil)))
	require.False(t, Retryable(NewError(KindCircuitOpen, "a", "", nil)))
	require.False(t, Retryable(NewError(KindInvalidResponse, "a", "", nil)))
}
