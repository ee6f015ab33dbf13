package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"ffcluster/ffmpeg"
	"ffcluster/logx"
	"ffcluster/media"
)

type Prober interface {
	Healthy(ctx context.Context) []string
}

type Splitter interface {
	Split(ctx context.Context, src string, n int, dir, prefix string) ([]media.Segment, error)
}

type Dispatcher interface {
	Process(ctx context.Context, chunk *Chunk, worker string, op ffmpeg.Operation) *Chunk
}

type Merger interface {
	Merge(ctx context.Context, parts []media.Part, output string) error
}

type CoordinatorConfig struct {
	WorkDir string
	// MinHealthyWorkers below which the cluster is reported unavailable.
	MinHealthyWorkers int
}

// Coordinator drives one distributed job from probe to merged output.
type Coordinator struct {
	cfg        CoordinatorConfig
	prober     Prober
	splitter   Splitter
	dispatcher Dispatcher
	merger     Merger
}

func NewCoordinator(cfg CoordinatorConfig, prober Prober, splitter Splitter, dispatcher Dispatcher, merger Merger) *Coordinator {
	if cfg.MinHealthyWorkers < 1 {
		cfg.MinHealthyWorkers = 1
	}
	return &Coordinator{
		cfg:        cfg,
		prober:     prober,
		splitter:   splitter,
		dispatcher: dispatcher,
		merger:     merger,
	}
}

type Request struct {
	JobID     string
	Source    string
	Operation ffmpeg.Operation
	// Output defaults to <WorkDir>/<JobID>_final.<format>.
	Output string
	// Progress receives coarse percentages. May be nil.
	Progress func(percent int)
}

type Result struct {
	JobID       string   `json:"jobId"`
	OutputPath  string   `json:"outputPath"`
	Chunks      []*Chunk `json:"chunks"`
	WorkersUsed int      `json:"workersUsed"`
	State       JobState `json:"state"`
}

// Run probes, splits, dispatches chunk i to healthy worker i, waits for every
// chunk, and merges. Any failed chunk fails the whole job; there is no retry
// and no partial result. Intermediate files are removed on every exit path.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Result, error) {
	ctx = logx.WithJob(ctx, req.JobID)
	logger := logx.FromCtx(ctx)

	op := req.Operation.Normalize()
	if err := op.Validate(); err != nil {
		return nil, err
	}

	res := &Result{JobID: req.JobID, State: JobInitializing}
	setState := func(s JobState) {
		res.State = s
		logger.Info().Str("state", string(s)).Msg("Job state changed")
	}
	progress := func(p int) {
		if req.Progress != nil {
			req.Progress(p)
		}
	}
	fail := func(err error) (*Result, error) {
		setState(JobFailed)
		return res, err
	}

	workers := c.prober.Healthy(ctx)
	if len(workers) == 0 || len(workers) < c.cfg.MinHealthyWorkers {
		logger.Warn().Int("healthy", len(workers)).Int("required", c.cfg.MinHealthyWorkers).Msg("Cluster unavailable")
		return fail(fmt.Errorf("%w: %d healthy workers, %d required", ErrClusterUnavailable, len(workers), c.cfg.MinHealthyWorkers))
	}

	jobDir := filepath.Join(c.cfg.WorkDir, req.JobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fail(fmt.Errorf("creating job dir: %w", err))
	}
	defer func() {
		if err := c.cleanup(jobDir, res.Chunks); err != nil {
			logger.Warn().Err(err).Msg("Job cleanup incomplete")
		}
	}()

	setState(JobSplitting)
	segments, err := c.splitter.Split(ctx, req.Source, len(workers), jobDir, req.JobID)
	if err != nil {
		return fail(&SplitError{Err: err})
	}
	if len(segments) != len(workers) {
		// stray segments are still swept by cleanup through jobDir
		return fail(&SplitError{Err: fmt.Errorf("expected %d segments, got %d", len(workers), len(segments))})
	}

	res.Chunks = make([]*Chunk, len(segments))
	for i, seg := range segments {
		res.Chunks[i] = &Chunk{
			ID:        fmt.Sprintf("%s_chunk_%d", req.JobID, seg.Index),
			Index:     seg.Index,
			Range:     SourceRange{Start: seg.Range.Start, End: seg.Range.End, Duration: seg.Range.Duration},
			LocalPath: seg.Path,
			State:     ChunkPending,
		}
	}
	res.WorkersUsed = len(workers)
	progress(20)

	setState(JobDispatching)
	started := time.Now()
	var wg conc.WaitGroup
	for i, chunk := range res.Chunks {
		chunk, worker := chunk, workers[i]
		wg.Go(func() {
			c.dispatcher.Process(ctx, chunk, worker, op)
		})
	}
	setState(JobCollecting)
	wg.Wait()
	logger.Info().Dur("elapsed", time.Since(started)).Int("chunks", len(res.Chunks)).Msg("All chunks settled")

	var failures []ChunkFailure
	for _, chunk := range res.Chunks {
		if chunk.State != ChunkComplete {
			msg := chunk.Error
			if msg == "" {
				msg = fmt.Sprintf("chunk ended in state %s", chunk.State)
			}
			failures = append(failures, ChunkFailure{ChunkID: chunk.ID, Worker: chunk.Worker, Message: msg})
		}
	}
	if len(failures) > 0 {
		return fail(&ChunkDispatchFailedError{Failures: failures})
	}
	progress(90)

	setState(JobMerging)
	output := req.Output
	if output == "" {
		output = filepath.Join(c.cfg.WorkDir, fmt.Sprintf("%s_final.%s", req.JobID, op.OutputFormat))
	}
	parts := make([]media.Part, 0, len(res.Chunks))
	for _, chunk := range res.Chunks {
		parts = append(parts, media.Part{Start: chunk.Range.Start, Path: chunk.ResultPath})
	}
	if err := c.merger.Merge(ctx, parts, output); err != nil {
		return fail(&MergeError{Err: err})
	}

	res.OutputPath = output
	setState(JobDone)
	progress(100)
	return res, nil
}

// cleanup removes raw and processed chunk files, then the job directory.
func (c *Coordinator) cleanup(jobDir string, chunks []*Chunk) error {
	var err error
	for _, chunk := range chunks {
		err = multierr.Append(err, removeIfExists(chunk.LocalPath))
		err = multierr.Append(err, removeIfExists(chunk.ResultPath))
	}
	return multierr.Append(err, os.RemoveAll(jobDir))
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
