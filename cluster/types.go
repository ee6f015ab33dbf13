package cluster

import (
	"fmt"
)

type ChunkState string

const (
	ChunkPending    ChunkState = "pending"
	ChunkUploading  ChunkState = "uploading"
	ChunkProcessing ChunkState = "processing"
	ChunkComplete   ChunkState = "complete"
	ChunkFailed     ChunkState = "failed"
)

type JobState string

const (
	JobInitializing JobState = "initializing"
	JobSplitting    JobState = "splitting"
	JobDispatching  JobState = "dispatching"
	JobCollecting   JobState = "collecting"
	JobMerging      JobState = "merging"
	JobDone         JobState = "done"
	JobFailed       JobState = "failed"
)

// SourceRange is a chunk's slice of the original video, in seconds.
type SourceRange struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

// Chunk is one unit of dispatched work. It is owned by the Coordinator for the
// lifetime of one job and by a single WorkerClient call while in flight.
type Chunk struct {
	ID         string      `json:"chunkId"`
	Index      int         `json:"index"`
	Range      SourceRange `json:"sourceRange"`
	LocalPath  string      `json:"-"`
	Worker     string      `json:"worker,omitempty"`
	State      ChunkState  `json:"state"`
	ResultPath string      `json:"-"`
	Error      string      `json:"error,omitempty"`
}

// Assign binds the chunk to a worker. The binding is immutable once made.
func (c *Chunk) Assign(worker string) error {
	if c.Worker != "" && c.Worker != worker {
		return fmt.Errorf("chunk %s already assigned to %s", c.ID, c.Worker)
	}
	c.Worker = worker
	return nil
}

func (c *Chunk) Fail(err error) {
	c.State = ChunkFailed
	c.Error = err.Error()
	c.ResultPath = ""
}

func (c *Chunk) Complete(resultPath string) {
	c.State = ChunkComplete
	c.ResultPath = resultPath
	c.Error = ""
}

func (c *Chunk) Terminal() bool {
	return c.State == ChunkComplete || c.State == ChunkFailed
}

// WorkerHealth is the outcome of one liveness probe. It is never persisted.
type WorkerHealth struct {
	URL         string `json:"url"`
	Healthy     bool   `json:"healthy"`
	ActiveCount int    `json:"activeCount"`
	Error       string `json:"error,omitempty"`
}

// ClusterStatus answers "can the cluster be used at all" for operators and callers.
type ClusterStatus struct {
	Available bool           `json:"available"`
	Total     int            `json:"totalWorkers"`
	Healthy   int            `json:"healthyWorkers"`
	Workers   []WorkerHealth `json:"workers"`
	Message   string         `json:"message,omitempty"`
}
