package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	pipelineerrors "github.com/254CARBON/data-processing-sub000/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDoSucceedsWithoutRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), nil, "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyDoRetriesTransientThenSucceeds(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), nil, "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &pipelineerrors.Transient{Op: "test", Err: errors.New("timeout")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyDoStopsImmediatelyOnFatal(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), nil, "op", func(ctx context.Context) error {
		calls++
		return &pipelineerrors.Configuration{Field: "x", Reason: "bad"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyDoStopsImmediatelyOnSchemaViolation(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), nil, "op", func(ctx context.Context) error {
		calls++
		return &pipelineerrors.SchemaViolation{Source: "x", Reason: "bad"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyDoExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), nil, "op", func(ctx context.Context) error {
		calls++
		return &pipelineerrors.Transient{Op: "test", Err: errors.New("still failing")}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyDoRespectsContextCancellation(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cancel()
	err := policy.Do(ctx, nil, "op", func(ctx context.Context) error {
		calls++
		return &pipelineerrors.Transient{Op: "test", Err: errors.New("timeout")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
