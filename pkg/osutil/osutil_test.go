//go:build unix

package osutil

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Stdout(t *testing.T) {
	out, err := Run(context.Background(), t.TempDir(), "sh", "-c", "printf hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRun_FailureIncludesStderr(t *testing.T) {
	_, err := Run(context.Background(), t.TempDir(), "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Contains(t, cmdErr.Error(), "boom")
	assert.Equal(t, "sh", cmdErr.Args[0])
}

func TestRun_ContextDeadlineKillsProcessGroup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Run(ctx, t.TempDir(), "sh", "-c", "(sleep 30) & sleep 30")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunEnv_AppendsEnvironment(t *testing.T) {
	out, err := RunEnv(context.Background(), t.TempDir(), []string{"SKILLHUB_TEST_VALUE=42"}, "sh", "-c", "printf $SKILLHUB_TEST_VALUE")
	require.NoError(t, err)
	assert.Equal(t, "42", out)
}
