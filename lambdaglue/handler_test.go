package lambdaglue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/lambdaglue"
)

func TestRuntime_WithLambdaTimeout_TrimsDeadline(t *testing.T) {
	r := &lambdaglue.Runtime{TimeoutBuffer: 500 * time.Millisecond}

	parent, cancel := context.WithDeadline(context.Background(), time.Now().Add(2*time.Second))
	defer cancel()

	derived, derivedCancel := r.WithLambdaTimeout(parent)
	defer derivedCancel()

	parentDeadline, _ := parent.Deadline()
	derivedDeadline, ok := derived.Deadline()
	require.True(t, ok)
	assert.True(t, derivedDeadline.Before(parentDeadline))
}

func TestRuntime_WithLambdaTimeout_NoDeadlinePassesThrough(t *testing.T) {
	r := &lambdaglue.Runtime{}
	derived, cancel := r.WithLambdaTimeout(context.Background())
	defer cancel()
	_, ok := derived.Deadline()
	assert.False(t, ok)
}

func TestMemoryMB_UnsetReturnsZero(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE", "")
	assert.Equal(t, 0, lambdaglue.MemoryMB())
}

func TestMemoryMB_ParsesEnv(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE", "512")
	assert.Equal(t, 512, lambdaglue.MemoryMB())
}

func TestIsLambdaEnvironment(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")
	assert.False(t, lambdaglue.IsLambdaEnvironment())
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "my-function")
	assert.True(t, lambdaglue.IsLambdaEnvironment())
}

func TestRemainingTimeMillis_NoDeadline(t *testing.T) {
	assert.Equal(t, int64(-1), lambdaglue.RemainingTimeMillis(context.Background()))
}

func TestRemainingTimeMillis_WithDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(time.Second))
	defer cancel()
	ms := lambdaglue.RemainingTimeMillis(ctx)
	assert.True(t, ms > 0 && ms <= 1000)
}
