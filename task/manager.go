// ffcluster/task/manager.go
package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ffcluster/cluster"
	"ffcluster/config"
	"ffcluster/ffmpeg"
	"ffcluster/logx"
)

// Coordinator runs a job across the cluster.
type Coordinator interface {
	Run(ctx context.Context, req cluster.Request) (*cluster.Result, error)
}

// LocalRunner processes a whole file on this node.
type LocalRunner interface {
	Transform(ctx context.Context, op ffmpeg.Operation, inputPath, outputPath string) (string, error)
}

// Publisher makes a finished output available outside this host.
type Publisher interface {
	Publish(ctx context.Context, localPath, name string) (string, error)
}

var errCanceledByUser = errors.New("canceled by user")

type Manager struct {
	cfg            *config.Config
	store          Store
	coordinator    Coordinator
	local          LocalRunner
	publisher      Publisher
	taskQueue      chan string
	concurrencySem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// NewManager wires a task scheduler. coordinator may be nil, in which case every
// task runs single-node.
func NewManager(cfg *config.Config, store Store, coordinator Coordinator, local LocalRunner) (*Manager, error) {
	if store == nil {
		return nil, errors.New("task store is required")
	}
	if coordinator == nil && local == nil {
		return nil, errors.New("either a coordinator or a local runner is required")
	}
	m := &Manager{
		cfg:            cfg,
		store:          store,
		coordinator:    coordinator,
		local:          local,
		taskQueue:      make(chan string, 100), // Buffered queue
		concurrencySem: make(chan struct{}, cfg.MaxConcurrency),
		cancels:        make(map[string]context.CancelCauseFunc),
	}
	return m, nil
}

// SetPublisher enables uploading of completed outputs.
func (m *Manager) SetPublisher(p Publisher) {
	m.publisher = p
}

func (m *Manager) Start(ctx context.Context) {
	log.Info().Int("concurrency", m.cfg.MaxConcurrency).Bool("cluster", m.coordinator != nil).Msg("Task manager started")
	go m.cleanupLoop(ctx)
	go m.workerLoop(ctx)
}

// workerLoop pulls tasks from the queue and processes them
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Worker loop shutting down")
			return
		case id := <-m.taskQueue:
			// Wait for a free processing slot
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(id string) {
				defer func() { <-m.concurrencySem }()
				m.processTask(ctx, id)
			}(id)
		}
	}
}

// processTask runs one task to a terminal state as a single unit of work.
func (m *Manager) processTask(parentCtx context.Context, id string) {
	// runCtx carries user cancellation only; each attempt adds its own deadline
	runCtx, cancel := context.WithCancelCause(parentCtx)
	defer cancel(nil)
	m.setCancel(id, cancel)
	defer m.setCancel(id, nil)

	runCtx = logx.WithJob(runCtx, id)
	logger := logx.FromCtx(runCtx)

	t, err := m.store.Update(runCtx, id, func(t *Task) {
		if t.Status != StatusQueued {
			return
		}
		t.Status = StatusProcessing
		t.StartedAt = time.Now()
		t.Progress = 10
	})
	if err != nil {
		logger.Error().Err(err).Msg("Could not start task")
		return
	}
	if t.Status != StatusProcessing {
		logger.Info().Str("status", string(t.Status)).Msg("Task was canceled before processing")
		return
	}
	defer os.Remove(t.InputPath)

	logger.Info().Str("operation", t.Operation.Name).Msg("Processing task")
	outputPath, mode, workersUsed, err := m.execute(runCtx, t)

	var downloadURL string
	if err == nil && m.publisher != nil {
		url, perr := m.publisher.Publish(runCtx, outputPath, filepath.Base(outputPath))
		if perr != nil {
			// the local copy is still served through /files
			logger.Warn().Err(perr).Msg("Publishing output failed")
		} else {
			downloadURL = url
		}
	}

	canceled := runCtx.Err() != nil
	reason := "Canceled by user"
	if canceled && !errors.Is(context.Cause(runCtx), errCanceledByUser) {
		reason = "Interrupted by shutdown"
	}

	// a canceled run context must not block the final write
	_, uerr := m.store.Update(context.WithoutCancel(runCtx), id, func(t *Task) {
		t.CompletedAt = time.Now()
		t.Mode = mode
		switch {
		case err == nil:
			t.Status = StatusCompleted
			t.Progress = 100
			t.OutputPath = outputPath
			t.WorkersUsed = workersUsed
			t.DownloadURL = downloadURL
		case canceled:
			t.Status = StatusCanceled
			t.Error = reason
		default:
			t.Status = StatusFailed
			t.Error = err.Error()
		}
	})
	if uerr != nil {
		logger.Error().Err(uerr).Msg("Could not record task outcome")
	}

	switch {
	case err == nil:
		logger.Info().Str("mode", string(mode)).Int("workers", workersUsed).Msg("Task completed successfully")
	case canceled:
		logger.Warn().Str("reason", reason).Msg("Task canceled")
	default:
		logger.Error().Err(err).Msg("Task failed")
	}
}

// execute tries the cluster first and redoes the whole job locally when the
// cluster cannot serve it. Each attempt gets a full FFTimeout budget.
func (m *Manager) execute(ctx context.Context, t *Task) (string, Mode, int, error) {
	logger := logx.FromCtx(ctx)
	op := t.Operation.Normalize()
	output := filepath.Join(m.cfg.TempDir, fmt.Sprintf("%s_final.%s", t.ID, op.OutputFormat))

	if m.coordinator != nil {
		clusterCtx, cancel := context.WithTimeout(ctx, m.cfg.FFTimeout)
		res, err := m.coordinator.Run(clusterCtx, cluster.Request{
			JobID:     t.ID,
			Source:    t.InputPath,
			Operation: op,
			Output:    output,
			Progress:  func(p int) { m.setProgress(ctx, t.ID, p) },
		})
		cancel()
		if err == nil {
			return res.OutputPath, ModeDistributed, res.WorkersUsed, nil
		}
		if ctx.Err() != nil || !m.cfg.FallbackEnable || !cluster.ShouldFallback(err) || m.local == nil {
			return "", ModeDistributed, 0, m.timeoutAware(clusterCtx, err)
		}
		logger.Warn().Err(err).Msg("Distributed processing failed, falling back to single node")
	}

	localCtx, cancel := context.WithTimeout(ctx, m.cfg.FFTimeout)
	defer cancel()
	m.setProgress(ctx, t.ID, 50)
	if _, err := m.local.Transform(localCtx, op, t.InputPath, output); err != nil {
		return "", ModeSingleNode, 0, m.timeoutAware(localCtx, err)
	}
	return output, ModeSingleNode, 0, nil
}

// timeoutAware names a deadline expiry explicitly so it is not mistaken for a cancel.
func (m *Manager) timeoutAware(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", m.cfg.FFTimeout, err)
	}
	return err
}

func (m *Manager) setProgress(ctx context.Context, id string, p int) {
	_, err := m.store.Update(ctx, id, func(t *Task) {
		if p > t.Progress {
			t.Progress = p
		}
	})
	if err != nil {
		logx.FromCtx(ctx).Debug().Err(err).Int("progress", p).Msg("Progress update dropped")
	}
}

func (m *Manager) setCancel(id string, cancel context.CancelCauseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel == nil {
		delete(m.cancels, id)
		return
	}
	m.cancels[id] = cancel
}

// cleanupLoop periodically removes old output files
func (m *Manager) cleanupLoop(ctx context.Context) {
	if m.cfg.OutputLocalLifetime <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.OutputLocalLifetime / 4) // Check 4 times per lifetime
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Cleanup loop shutting down")
			return
		case <-ticker.C:
			m.cleanupOutputs(ctx)
		}
	}
}

func (m *Manager) cleanupOutputs(ctx context.Context) {
	tasks, err := m.store.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Listing tasks for cleanup failed")
		return
	}
	for _, t := range tasks {
		if t.Status != StatusCompleted || t.OutputPath == "" || time.Since(t.CompletedAt) <= m.cfg.OutputLocalLifetime {
			continue
		}
		if err := os.Remove(t.OutputPath); err == nil {
			log.Info().Str("path", t.OutputPath).Msg("Cleaned up old output file")
		} else if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", t.OutputPath).Msg("Removing old output failed")
		}
	}
}

// Submit records a task and queues it. The input file is owned by the manager
// from here on and removed once the task finishes.
func (m *Manager) Submit(ctx context.Context, name string, op ffmpeg.Operation, inputPath string) (*Task, error) {
	op = op.Normalize()
	if err := op.Validate(); err != nil {
		return nil, err
	}
	t, err := m.store.Create(ctx, name, TypeVideo, Params{Operation: op, InputPath: inputPath})
	if err != nil {
		return nil, err
	}

	select {
	case m.taskQueue <- t.ID:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	log.Info().Str(string(logx.CtxKeyJobID), t.ID).Msg("Task submitted to queue")
	return t, nil
}

func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	return m.store.Get(ctx, taskID)
}

func (m *Manager) List(ctx context.Context) ([]*Task, error) {
	return m.store.List(ctx)
}

func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	var prev Status
	t, err := m.store.Update(ctx, taskID, func(t *Task) {
		prev = t.Status
		if t.Status == StatusQueued {
			t.Status = StatusCanceled
			t.Error = "Canceled by user while in queue"
			t.CompletedAt = time.Now()
		}
	})
	if err != nil {
		return err
	}

	switch prev {
	case StatusQueued:
		log.Info().Str(string(logx.CtxKeyJobID), t.ID).Msg("Task marked as canceled in queue")
	case StatusProcessing:
		m.mu.Lock()
		cancel, ok := m.cancels[taskID]
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("task %s is processing but has no cancellation handle", taskID)
		}
		cancel(errCanceledByUser)
		log.Info().Str(string(logx.CtxKeyJobID), t.ID).Msg("Cancellation signal sent to running task")
	default:
		return fmt.Errorf("cannot cancel task in state: %s", prev)
	}
	return nil
}

func (m *Manager) GetFilePath(filename string) (string, error) {
	// Security: Prevent path traversal
	cleanFilename := filepath.Base(filename)
	if cleanFilename != filename || cleanFilename == "." || cleanFilename == ".." {
		return "", fmt.Errorf("invalid filename")
	}

	fullPath := filepath.Join(m.cfg.TempDir, cleanFilename)
	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("file not found")
	}
	return fullPath, nil
}
