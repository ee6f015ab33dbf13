package cluster

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClusterUnavailable means no usable set of workers was found. Callers are
// expected to process the job on a single node instead.
var ErrClusterUnavailable = errors.New("cluster unavailable")

type ChunkFailure struct {
	ChunkID string
	Worker  string
	Message string
}

// ChunkDispatchFailedError reports every chunk that ended Failed in a job.
type ChunkDispatchFailedError struct {
	Failures []ChunkFailure
}

func (e *ChunkDispatchFailedError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.ChunkID, f.Message))
	}
	return "chunks failed: " + strings.Join(msgs, ", ")
}

// ChunkIDs lists the failed chunk ids in dispatch order.
func (e *ChunkDispatchFailedError) ChunkIDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.ChunkID)
	}
	return ids
}

type SplitError struct {
	Err error
}

func (e *SplitError) Error() string { return "split failed: " + e.Err.Error() }
func (e *SplitError) Unwrap() error { return e.Err }

type MergeError struct {
	Err error
}

func (e *MergeError) Error() string { return "merge failed: " + e.Err.Error() }
func (e *MergeError) Unwrap() error { return e.Err }

// ShouldFallback reports whether err asks the caller to redo the whole job on a
// single node: the cluster was unusable or at least one chunk failed.
func ShouldFallback(err error) bool {
	if errors.Is(err, ErrClusterUnavailable) {
		return true
	}
	var dispatchErr *ChunkDispatchFailedError
	return errors.As(err, &dispatchErr)
}
