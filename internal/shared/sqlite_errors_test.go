package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsSQLiteConflictError(t *testing.T) {
	assert.False(t, IsSQLiteConflictError(nil))
	assert.True(t, IsSQLiteConflictError(errors.New("exec: SQLITE_BUSY (5)")))
	assert.True(t, IsSQLiteConflictError(errors.New("database is locked")))
	assert.False(t, IsSQLiteConflictError(errors.New("no such table")))
}

func TestRetryOnConflictRetriesBusy(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := RetryOnConflict(context.Background(), DefaultRetryPolicy, "test", func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, "test", func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}
