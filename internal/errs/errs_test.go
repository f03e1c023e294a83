package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsCarryKindFlags(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
		trippable bool
	}{
		{KindTransient, true, true},
		{KindInternal, true, true},
		{KindValidation, false, false},
		{KindCapacity, false, false},
		{KindCancelled, false, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryable(New(tc.kind, "x")))
			assert.Equal(t, tc.trippable, IsTrippable(New(tc.kind, "x")))
			assert.Equal(t, tc.retryable, IsRetryable(Newf(tc.kind, "x %d", 1)))
			assert.Equal(t, tc.retryable, IsRetryable(Wrap(tc.kind, errors.New("cause"), "x")))
			assert.Equal(t, tc.trippable, IsTrippable(Wrap(tc.kind, errors.New("cause"), "x")))
		})
	}
}

func TestConstructorFlagsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("flush batch: %w", Newf(KindTransient, "upstream hiccup"))
	assert.True(t, IsRetryable(err))
	assert.True(t, IsTrippable(err))
}

func TestClassifyStatus(t *testing.T) {
	rate := ClassifyStatus(429, "slow down")
	assert.Equal(t, KindTransient, rate.Kind)
	assert.True(t, IsRetryable(rate))
	assert.False(t, IsTrippable(rate))

	srv := ClassifyStatus(503, "")
	assert.Equal(t, KindTransient, srv.Kind)
	assert.True(t, IsRetryable(srv))
	assert.True(t, IsTrippable(srv))

	// terminal client errors: the request itself is wrong, retrying cannot help
	for _, code := range []int{400, 401, 403, 404} {
		e := ClassifyStatus(code, "")
		assert.Equal(t, KindValidation, e.Kind, "status %d", code)
		assert.False(t, IsRetryable(e), "status %d", code)
		assert.False(t, IsTrippable(e), "status %d", code)
		assert.Equal(t, code, e.StatusCode)
	}
}

func TestUnknownErrorDefaults(t *testing.T) {
	plain := errors.New("dial tcp: connection refused")
	assert.True(t, IsRetryable(plain))
	assert.True(t, IsTrippable(plain))
	assert.Equal(t, KindInternal, KindOf(plain))

	assert.False(t, IsRetryable(context.Canceled))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
}

func TestIsMatchesOnKind(t *testing.T) {
	err := Wrap(KindCapacity, nil, "queue full")
	require.True(t, errors.Is(err, &Error{Kind: KindCapacity}))
	assert.False(t, errors.Is(err, &Error{Kind: KindTransient}))
}
