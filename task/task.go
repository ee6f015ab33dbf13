package task

import (
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"ffcluster/ffmpeg"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Mode records which path produced a task's output.
type Mode string

const (
	ModeDistributed Mode = "distributed"
	ModeSingleNode  Mode = "single-node"
)

const TypeVideo = "video"

type Task struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Type        string           `json:"type"`
	Status      Status           `json:"status"`
	Progress    int              `json:"progress"`
	Operation   ffmpeg.Operation `json:"operation"`
	InputPath   string           `json:"inputPath,omitempty"` // local upload
	OutputPath  string           `json:"outputPath,omitempty"`
	DownloadURL string           `json:"downloadUrl,omitempty"`
	Error       string           `json:"error,omitempty"`
	Mode        Mode             `json:"mode,omitempty"`
	WorkersUsed int              `json:"workersUsed,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	StartedAt   time.Time        `json:"startedAt,omitempty"`
	CompletedAt time.Time        `json:"completedAt,omitempty"`
}

// Params are the caller-supplied parts of a new task.
type Params struct {
	Operation ffmpeg.Operation
	InputPath string
}

func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCanceled
}

func (t *Task) clone() *Task {
	c := *t
	return &c
}

func newTask(name, typ string, params Params) *Task {
	now := time.Now()
	return &Task{
		ID:        fmt.Sprintf("%s_%d", shortuuid.New(), now.Unix()),
		Name:      name,
		Type:      typ,
		Status:    StatusQueued,
		Operation: params.Operation,
		InputPath: params.InputPath,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
