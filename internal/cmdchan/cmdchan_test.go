package cmdchan

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.universe.tf/lldplab/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve runs a command server for vm until the test ends.
func serve(t *testing.T, dir, vm string) {
	t.Helper()
	srv := NewServer(ServerConfig{
		Dir:          dir,
		Name:         vm,
		WorkDir:      dir,
		Env:          []string{"PATH=/usr/bin:/bin", "LAB_VM=" + vm},
		PollInterval: 5 * time.Millisecond,
	}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRunCompletes(t *testing.T) {
	dir := t.TempDir()
	serve(t, dir, "R1")

	var observed []string
	c := NewClient(dir, 10*time.Millisecond, 300, discard())
	c.Observe = func(vm string, _ time.Duration) { observed = append(observed, vm) }

	require.NoError(t, c.Run(context.Background(), "R1", "echo hello $LAB_VM"))
	require.NoError(t, c.Run(context.Background(), "R1", "echo again"))

	out, err := os.ReadFile(OutputPath(dir, "R1"))
	require.NoError(t, err)
	assert.Equal(t, "+ echo hello $LAB_VM\nhello R1\n+ echo again\nagain\n", string(out))
	assert.NoFileExists(t, CommandPath(dir, "R1"))
	assert.Equal(t, []string{"R1", "R1"}, observed)
}

func TestFailingCommandStillCompletes(t *testing.T) {
	dir := t.TempDir()
	serve(t, dir, "R2")

	c := NewClient(dir, 10*time.Millisecond, 300, discard())
	require.NoError(t, c.Run(context.Background(), "R2", "echo oops >&2; exit 3"))

	out, err := os.ReadFile(OutputPath(dir, "R2"))
	require.NoError(t, err)
	assert.Equal(t, "+ echo oops >&2; exit 3\noops\n", string(out))
}

func TestRunTimesOutWithoutServer(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(dir, 5*time.Millisecond, 4, discard())

	start := time.Now()
	err := c.Run(context.Background(), "R3", "true")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// A crashed server leaves the command behind.
	bs, err := os.ReadFile(CommandPath(dir, "R3"))
	require.NoError(t, err)
	assert.Equal(t, "true", string(bs))
}

func TestRunChecksExactlyAttemptsTimes(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(dir, 2*time.Millisecond, 150, discard())
	checks := 0
	c.stat = func(path string) (os.FileInfo, error) {
		checks++
		return os.Stat(path)
	}

	start := time.Now()
	err := c.Run(context.Background(), "R1", "true")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 150, checks)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.ErrorContains(t, err, "after 300ms")
}

func TestRunDefaultBound(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full command bound")
	}
	bound := config.DefaultConfig().Command
	dir := t.TempDir()
	c := NewClient(dir, bound.PollInterval, bound.MaxAttempts, discard())

	start := time.Now()
	err := c.Run(context.Background(), "R1", "true")
	took := time.Since(start)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorContains(t, err, "after 15s")
	assert.GreaterOrEqual(t, took, 15*time.Second)
	assert.Less(t, took, 17*time.Second)
}

func TestRunRefusesPending(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(CommandPath(dir, "R1"), []byte("sleep 10"), 0o644))

	c := NewClient(dir, 5*time.Millisecond, 4, discard())
	err := c.Run(context.Background(), "R1", "true")
	assert.ErrorIs(t, err, ErrPending)

	bs, err := os.ReadFile(CommandPath(dir, "R1"))
	require.NoError(t, err)
	assert.Equal(t, "sleep 10", string(bs), "pending command must not be overwritten")
}

func TestRunCanceled(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(dir, 10*time.Millisecond, 1000, discard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Run(ctx, "R1", "true")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestVMsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	serve(t, dir, "R1")
	serve(t, dir, "R2")

	c := NewClient(dir, 5*time.Millisecond, 600, discard())
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, vm := range []string{"R1", "R2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Run(context.Background(), vm, "sleep 0.1; echo "+vm)
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	for _, vm := range []string{"R1", "R2"} {
		out, err := os.ReadFile(OutputPath(dir, vm))
		require.NoError(t, err)
		assert.Contains(t, string(out), "\n"+vm+"\n")
	}
}

func TestSameVMIsSerialized(t *testing.T) {
	dir := t.TempDir()
	serve(t, dir, "R1")

	c := NewClient(dir, 5*time.Millisecond, 600, discard())
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Run(context.Background(), "R1", "echo x"))
		}()
	}
	wg.Wait()

	out, err := os.ReadFile(OutputPath(dir, "R1"))
	require.NoError(t, err)
	assert.Equal(t, "+ echo x\nx\n+ echo x\nx\n+ echo x\nx\n", string(out))
}

func TestPollWithoutCommand(t *testing.T) {
	dir := t.TempDir()
	srv := NewServer(ServerConfig{Dir: dir, Name: "R1", WorkDir: dir, PollInterval: time.Millisecond}, discard())

	found, err := srv.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoFileExists(t, OutputPath(dir, "R1"))
}

func TestWriteAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeAtomic(CommandPath(dir, "R1"), []byte("ls")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "R1.command", entries[0].Name())
	assert.Equal(t, filepath.Join(dir, "R1.command"), CommandPath(dir, "R1"))
}
