//go:build unix

package main

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dlerrors "github.com/mirkobrombin/go-dirlock/v1/errors"
)

func TestRunPassesThrough(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "run", "--path", dir, "--poll-interval", "10ms", "--", "sh", "-c", "echo inside; ls "+dir+"; exit 3")

	var xe *exec.ExitError
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, 3, exitCode(err))
	assert.Contains(t, out, "inside")
	assert.Contains(t, out, "locker.", "the ticket exists while the command runs")

	left, err := filepath.Glob(filepath.Join(dir, "locker.*"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunSucceeds(t *testing.T) {
	out, err := execute(t, "run", "--path", t.TempDir(), "--poll-interval", "10ms", "--", "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestRunTimesOut(t *testing.T) {
	dir := t.TempDir()
	holder := touchTicket(t, dir, 0, 0)

	start := time.Now()
	_, err := execute(t, "run", "--path", dir, "--timeout", "200ms", "--poll-interval", "20ms", "--", "true")
	require.ErrorIs(t, err, dlerrors.ErrTimeout)
	assert.Equal(t, exitTempFail, exitCode(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.FileExists(t, holder)
}

func TestRunRequiresCommand(t *testing.T) {
	_, err := execute(t, "run", "--path", t.TempDir())
	assert.Error(t, err)
}
