package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	e := New(KindWorkerTimeout, "task t1 exceeded 5s")
	assert.Equal(t, "[WORKER_TIMEOUT] task t1 exceeded 5s", e.Error())

	cause := stderrors.New("connection refused")
	wrapped := Wrap(KindBrokerUnavailable, "publish failed", cause)
	assert.Contains(t, wrapped.Error(), "BROKER_UNAVAILABLE")
	assert.Contains(t, wrapped.Error(), "connection refused")
	assert.ErrorIs(t, wrapped, cause)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindExpired, KindOf(New(KindExpired, "stale")))
	assert.Equal(t, KindUnknown, KindOf(stderrors.New("plain")))

	// Kind survives wrapping by other errors.
	inner := New(KindWorkerCrashed, "boom")
	outer := Wrap(KindUnknown, "stage failed", inner)
	assert.Equal(t, KindWorkerCrashed, KindOf(outer.Err))
}

func TestRetryClassification(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
		permanent bool
	}{
		{KindValidationFailed, false, true},
		{KindExpired, false, true},
		{KindDuplicateClaim, false, true},
		{KindWorkerTimeout, true, false},
		{KindWorkerCrashed, true, false},
		{KindBrokerUnavailable, true, false},
		{KindCacheUnavailable, true, false},
		{KindPoolUnhealthy, false, false},
		{KindUnknown, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := New(tt.kind, "x")
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.permanent, IsPermanent(err))
		})
	}
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, "", Categorize(nil))
	assert.Equal(t, "POOL_UNHEALTHY", Categorize(New(KindPoolUnhealthy, "budget gone")))
	assert.Equal(t, "UNKNOWN", Categorize(stderrors.New("plain")))
}
