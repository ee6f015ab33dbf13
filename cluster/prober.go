package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"

	"ffcluster/logx"
)

// HealthProber checks every discovered worker's /health endpoint. A probe never
// returns an error: a worker that times out, refuses, or answers non-2xx is
// simply reported unhealthy for this round. There are no retries.
type HealthProber struct {
	discovery  Discovery
	httpClient *http.Client
	timeout    time.Duration
	minHealthy int
}

func NewHealthProber(d Discovery, timeout time.Duration) *HealthProber {
	return &HealthProber{
		discovery:  d,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		minHealthy: 1,
	}
}

// SetMinHealthy sets how many live workers Status needs to report the cluster
// available. It should match the coordinator's MinHealthyWorkers.
func (p *HealthProber) SetMinHealthy(n int) {
	p.minHealthy = max(1, n)
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCount int    `json:"active_count"`
}

// Check probes all endpoints in parallel. Results follow discovery order.
func (p *HealthProber) Check(ctx context.Context) []WorkerHealth {
	endpoints, err := p.discovery.Endpoints(ctx)
	if err != nil {
		logx.FromCtx(ctx).Warn().Err(err).Msg("Worker discovery failed")
		return nil
	}

	results := make([]WorkerHealth, len(endpoints))
	var wg conc.WaitGroup
	for i, url := range endpoints {
		i, url := i, url
		wg.Go(func() {
			results[i] = p.checkOne(ctx, url)
		})
	}
	wg.Wait()
	return results
}

func (p *HealthProber) checkOne(ctx context.Context, url string) WorkerHealth {
	h := WorkerHealth{URL: url}
	logger := logx.FromCtx(ctx).With().Str(string(logx.CtxKeyWorker), url).Logger()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		h.Error = fmt.Sprintf("health check request failed: %v", err)
		logger.Warn().Err(err).Msg("Worker health check failed")
		return h
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.Error = fmt.Sprintf("health check returned status %d", resp.StatusCode)
		logger.Warn().Int("status", resp.StatusCode).Msg("Worker health check failed")
		return h
	}

	var body healthResponse
	// the body is informational; a worker answering 2xx is live
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		h.ActiveCount = body.ActiveCount
	}
	h.Healthy = true
	return h
}

// Probe maps each endpoint to its liveness.
func (p *HealthProber) Probe(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	for _, h := range p.Check(ctx) {
		out[h.URL] = h.Healthy
	}
	return out
}

// Healthy returns the live endpoints in discovery order.
func (p *HealthProber) Healthy(ctx context.Context) []string {
	var out []string
	for _, h := range p.Check(ctx) {
		if h.Healthy {
			out = append(out, h.URL)
		}
	}
	return out
}

// Status summarizes one probe round. The cluster is available only when enough
// workers are live for the coordinator to accept a job.
func (p *HealthProber) Status(ctx context.Context) ClusterStatus {
	workers := p.Check(ctx)
	st := ClusterStatus{Total: len(workers), Workers: workers}
	if st.Workers == nil {
		st.Workers = []WorkerHealth{}
	}
	if len(workers) == 0 {
		st.Message = "No workers configured"
		return st
	}
	for _, w := range workers {
		if w.Healthy {
			st.Healthy++
		}
	}
	required := max(1, p.minHealthy)
	st.Available = st.Healthy >= required
	if !st.Available {
		st.Message = fmt.Sprintf("%d healthy workers, %d required", st.Healthy, required)
	}
	return st
}
