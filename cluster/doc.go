// Package cluster runs one video job across a pool of HTTP workers.
//
// # Lifecycle
//
// A job moves through a fixed sequence of states:
//
//	initializing → splitting → dispatching → collecting → merging → done
//	                    ↘           ↘             ↘           ↘
//	                                    failed
//
// The HealthProber picks the live workers. The source is cut into one segment
// per live worker, chunk i is sent to worker i by a WorkerClient, and the
// Coordinator waits for every chunk before merging the results in source
// order. A single failed chunk fails the job; there are no retries and no
// partial outputs. Raw and processed chunk files are removed on every path.
//
// # Fallback
//
// ErrClusterUnavailable and *ChunkDispatchFailedError tell the caller to redo
// the job on one node; ShouldFallback reports exactly that. Split and merge
// failures are local problems and are not retried elsewhere.
//
// # Discovery
//
// Workers come from a Discovery: a static URL list, or a DNS name whose A/AAAA
// records are expanded to scheme://addr:port endpoints.
package cluster
