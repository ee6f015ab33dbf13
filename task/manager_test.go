// ffcluster/task/manager_test.go
package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ffcluster/cluster"
	"ffcluster/config"
	"ffcluster/ffmpeg"
)

// mockCoordinator is a stand-in for cluster.Coordinator.
type mockCoordinator struct {
	runFunc func(ctx context.Context, req cluster.Request) (*cluster.Result, error)
}

func (m *mockCoordinator) Run(ctx context.Context, req cluster.Request) (*cluster.Result, error) {
	if m.runFunc != nil {
		return m.runFunc(ctx, req)
	}
	if err := os.WriteFile(req.Output, []byte("merged"), 0o644); err != nil {
		return nil, err
	}
	if req.Progress != nil {
		req.Progress(20)
		req.Progress(90)
		req.Progress(100)
	}
	return &cluster.Result{JobID: req.JobID, OutputPath: req.Output, WorkersUsed: 3, State: cluster.JobDone}, nil
}

type mockLocal struct {
	calls         int32
	transformFunc func(ctx context.Context, op ffmpeg.Operation, in, out string) (string, error)
}

func (m *mockLocal) Transform(ctx context.Context, op ffmpeg.Operation, in, out string) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.transformFunc != nil {
		return m.transformFunc(ctx, op, in, out)
	}
	return "local output", os.WriteFile(out, []byte("local"), 0o644)
}

type mockPublisher struct {
	err error
}

func (m *mockPublisher) Publish(ctx context.Context, localPath, name string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "https://bucket.example/" + name, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		MaxConcurrency:      1,
		FFTimeout:           10 * time.Second,
		OutputLocalLifetime: 1 * time.Hour,
		FallbackEnable:      true,
		TempDir:             t.TempDir(),
	}
}

func writeInput(t *testing.T, cfg *config.Config) string {
	t.Helper()
	p := filepath.Join(cfg.TempDir, fmt.Sprintf("upload_%d.mp4", time.Now().UnixNano()))
	require.NoError(t, os.WriteFile(p, []byte("source"), 0o644))
	return p
}

func compress() ffmpeg.Operation {
	return ffmpeg.Operation{Name: ffmpeg.OpCompress}
}

func startManager(t *testing.T, cfg *config.Config, coord Coordinator, local LocalRunner) *Manager {
	t.Helper()
	mgr, err := NewManager(cfg, NewMemoryStore(), coord, local)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)
	return mgr
}

func waitForStatus(t *testing.T, mgr *Manager, id string, want Status) *Task {
	t.Helper()
	var got *Task
	require.Eventually(t, func() bool {
		tk, err := mgr.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestTaskManager_Submit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrency = 0
	mgr := startManager(t, cfg, &mockCoordinator{}, &mockLocal{})

	task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusQueued, task.Status)
	assert.Equal(t, "medium", task.Operation.Quality)
	assert.Equal(t, "mp4", task.Operation.OutputFormat)

	retrieved, err := mgr.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, retrieved.ID)

	_, err = mgr.Submit(context.Background(), "clip.mp4", ffmpeg.Operation{Name: "rotate"}, "x")
	assert.ErrorContains(t, err, "unknown operation")
}

func TestTaskManager_Distributed(t *testing.T) {
	cfg := testConfig(t)
	local := &mockLocal{}
	mgr := startManager(t, cfg, &mockCoordinator{}, local)

	input := writeInput(t, cfg)
	task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), input)
	require.NoError(t, err)

	done := waitForStatus(t, mgr, task.ID, StatusCompleted)
	assert.Equal(t, ModeDistributed, done.Mode)
	assert.Equal(t, 3, done.WorkersUsed)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, filepath.Join(cfg.TempDir, task.ID+"_final.mp4"), done.OutputPath)
	assert.Zero(t, atomic.LoadInt32(&local.calls))

	_, err = os.Stat(input)
	assert.True(t, os.IsNotExist(err), "input is removed after processing")
}

func TestTaskManager_Fallback(t *testing.T) {
	unavailable := &mockCoordinator{runFunc: func(ctx context.Context, req cluster.Request) (*cluster.Result, error) {
		return nil, fmt.Errorf("%w: 1 healthy workers, 2 required", cluster.ErrClusterUnavailable)
	}}
	chunkFailed := &mockCoordinator{runFunc: func(ctx context.Context, req cluster.Request) (*cluster.Result, error) {
		return nil, &cluster.ChunkDispatchFailedError{Failures: []cluster.ChunkFailure{{ChunkID: req.JobID + "_chunk_1", Message: "boom"}}}
	}}

	for name, coord := range map[string]*mockCoordinator{"cluster unavailable": unavailable, "chunk failed": chunkFailed} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			local := &mockLocal{}
			mgr := startManager(t, cfg, coord, local)

			task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
			require.NoError(t, err)

			done := waitForStatus(t, mgr, task.ID, StatusCompleted)
			assert.Equal(t, ModeSingleNode, done.Mode)
			assert.EqualValues(t, 1, atomic.LoadInt32(&local.calls))
			assert.FileExists(t, done.OutputPath)
		})
	}

	t.Run("fallback disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.FallbackEnable = false
		local := &mockLocal{}
		mgr := startManager(t, cfg, unavailable, local)

		task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
		require.NoError(t, err)

		done := waitForStatus(t, mgr, task.ID, StatusFailed)
		assert.Contains(t, done.Error, "cluster unavailable")
		assert.Zero(t, atomic.LoadInt32(&local.calls))
	})

	t.Run("split errors do not fall back", func(t *testing.T) {
		cfg := testConfig(t)
		local := &mockLocal{}
		coord := &mockCoordinator{runFunc: func(ctx context.Context, req cluster.Request) (*cluster.Result, error) {
			return nil, &cluster.SplitError{Err: errors.New("could not determine duration")}
		}}
		mgr := startManager(t, cfg, coord, local)

		task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
		require.NoError(t, err)

		done := waitForStatus(t, mgr, task.ID, StatusFailed)
		assert.Equal(t, "split failed: could not determine duration", done.Error)
		assert.Zero(t, atomic.LoadInt32(&local.calls))
	})
}

func TestTaskManager_Deadlines(t *testing.T) {
	t.Run("fallback gets its own budget", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.FFTimeout = 300 * time.Millisecond
		coord := &mockCoordinator{runFunc: func(ctx context.Context, req cluster.Request) (*cluster.Result, error) {
			time.Sleep(200 * time.Millisecond)
			return nil, &cluster.ChunkDispatchFailedError{Failures: []cluster.ChunkFailure{{ChunkID: req.JobID + "_chunk_0", Message: "worker gone"}}}
		}}
		local := &mockLocal{transformFunc: func(ctx context.Context, op ffmpeg.Operation, in, out string) (string, error) {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return "", os.WriteFile(out, []byte("local"), 0o644)
		}}
		mgr := startManager(t, cfg, coord, local)

		task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
		require.NoError(t, err)

		done := waitForStatus(t, mgr, task.ID, StatusCompleted)
		assert.Equal(t, ModeSingleNode, done.Mode)
		assert.Empty(t, done.Error)
		assert.FileExists(t, done.OutputPath)
	})

	t.Run("deadline expiry fails the task", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.FFTimeout = 50 * time.Millisecond
		mgr := startManager(t, cfg, nil, &mockLocal{transformFunc: func(ctx context.Context, op ffmpeg.Operation, in, out string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}})

		task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
		require.NoError(t, err)

		done := waitForStatus(t, mgr, task.ID, StatusFailed)
		assert.Contains(t, done.Error, "timed out after 50ms")
	})

	t.Run("cancel during fallback", func(t *testing.T) {
		cfg := testConfig(t)
		fallbackStarted := make(chan struct{})
		local := &mockLocal{transformFunc: func(ctx context.Context, op ffmpeg.Operation, in, out string) (string, error) {
			close(fallbackStarted)
			<-ctx.Done()
			return "", ctx.Err()
		}}
		coord := &mockCoordinator{runFunc: func(ctx context.Context, req cluster.Request) (*cluster.Result, error) {
			return nil, cluster.ErrClusterUnavailable
		}}
		mgr := startManager(t, cfg, coord, local)

		task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
		require.NoError(t, err)
		<-fallbackStarted

		require.NoError(t, mgr.Cancel(context.Background(), task.ID))
		done := waitForStatus(t, mgr, task.ID, StatusCanceled)
		assert.Equal(t, "Canceled by user", done.Error)
		assert.Equal(t, ModeSingleNode, done.Mode)
	})
}

func TestTaskManager_LocalOnly(t *testing.T) {
	cfg := testConfig(t)
	mgr := startManager(t, cfg, nil, &mockLocal{
		transformFunc: func(ctx context.Context, op ffmpeg.Operation, in, out string) (string, error) {
			return "error log", errors.New("ffmpeg failed")
		},
	})

	task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
	require.NoError(t, err)

	done := waitForStatus(t, mgr, task.ID, StatusFailed)
	assert.Equal(t, "ffmpeg failed", done.Error)
	assert.Equal(t, ModeSingleNode, done.Mode)
}

func TestTaskManager_Publish(t *testing.T) {
	t.Run("sets download url", func(t *testing.T) {
		cfg := testConfig(t)
		mgr := startManager(t, cfg, &mockCoordinator{}, nil)
		mgr.SetPublisher(&mockPublisher{})

		task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
		require.NoError(t, err)

		done := waitForStatus(t, mgr, task.ID, StatusCompleted)
		assert.Equal(t, "https://bucket.example/"+task.ID+"_final.mp4", done.DownloadURL)
	})

	t.Run("publish failure keeps local output", func(t *testing.T) {
		cfg := testConfig(t)
		mgr := startManager(t, cfg, &mockCoordinator{}, nil)
		mgr.SetPublisher(&mockPublisher{err: errors.New("no credentials")})

		task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
		require.NoError(t, err)

		done := waitForStatus(t, mgr, task.ID, StatusCompleted)
		assert.Empty(t, done.DownloadURL)
		assert.FileExists(t, done.OutputPath)
	})
}

func TestTaskManager_Cancel(t *testing.T) {
	t.Run("cancel queued task", func(t *testing.T) {
		cfg := testConfig(t)
		// By setting MaxConcurrency to 0, we ensure the worker loop never picks up a task
		cfg.MaxConcurrency = 0
		mgr := startManager(t, cfg, &mockCoordinator{}, nil)

		task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
		require.NoError(t, err)
		require.NoError(t, mgr.Cancel(context.Background(), task.ID))

		canceled, err := mgr.Get(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, canceled.Status)
	})

	t.Run("cancel processing task", func(t *testing.T) {
		cfg := testConfig(t)
		processingStarted := make(chan struct{})
		coord := &mockCoordinator{runFunc: func(ctx context.Context, req cluster.Request) (*cluster.Result, error) {
			close(processingStarted)
			<-ctx.Done() // Block until context is canceled
			return nil, ctx.Err()
		}}
		local := &mockLocal{}
		mgr := startManager(t, cfg, coord, local)

		task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
		require.NoError(t, err)
		<-processingStarted

		require.NoError(t, mgr.Cancel(context.Background(), task.ID))
		done := waitForStatus(t, mgr, task.ID, StatusCanceled)
		assert.Equal(t, "Canceled by user", done.Error)
		assert.Zero(t, atomic.LoadInt32(&local.calls), "a canceled task does not fall back")
	})

	t.Run("cannot cancel completed task", func(t *testing.T) {
		cfg := testConfig(t)
		mgr := startManager(t, cfg, &mockCoordinator{}, nil)

		task, err := mgr.Submit(context.Background(), "clip.mp4", compress(), writeInput(t, cfg))
		require.NoError(t, err)
		waitForStatus(t, mgr, task.ID, StatusCompleted)

		err = mgr.Cancel(context.Background(), task.ID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot cancel task in state: completed")
	})

	t.Run("unknown task", func(t *testing.T) {
		mgr := startManager(t, testConfig(t), &mockCoordinator{}, nil)
		assert.ErrorIs(t, mgr.Cancel(context.Background(), "nope"), ErrNotFound)
	})
}

func TestTaskManager_CleanupOutputs(t *testing.T) {
	cfg := testConfig(t)
	cfg.OutputLocalLifetime = time.Minute
	store := NewMemoryStore()
	mgr, err := NewManager(cfg, store, &mockCoordinator{}, nil)
	require.NoError(t, err)

	oldOut := filepath.Join(cfg.TempDir, "old_final.mp4")
	freshOut := filepath.Join(cfg.TempDir, "fresh_final.mp4")
	for _, p := range []string{oldOut, freshOut} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	for p, age := range map[string]time.Duration{oldOut: time.Hour, freshOut: time.Second} {
		tk, err := store.Create(context.Background(), "clip", TypeVideo, Params{})
		require.NoError(t, err)
		p, age := p, age
		_, err = store.Update(context.Background(), tk.ID, func(t *Task) {
			t.Status = StatusCompleted
			t.OutputPath = p
			t.CompletedAt = time.Now().Add(-age)
		})
		require.NoError(t, err)
	}

	mgr.cleanupOutputs(context.Background())
	assert.NoFileExists(t, oldOut)
	assert.FileExists(t, freshOut)
}

func TestTaskManager_GetFilePath(t *testing.T) {
	cfg := testConfig(t)
	mgr, err := NewManager(cfg, NewMemoryStore(), &mockCoordinator{}, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.TempDir, "out.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(cfg.TempDir, "jobdir"), 0o755))

	p, err := mgr.GetFilePath("out.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.TempDir, "out.mp4"), p)

	for _, bad := range []string{"../etc/passwd", "a/out.mp4", "..", "missing.mp4", "jobdir"} {
		_, err := mgr.GetFilePath(bad)
		assert.Error(t, err, bad)
	}
}
