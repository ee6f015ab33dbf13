package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ffcluster/ffmpeg"
	"ffcluster/logx"
)

func healthyServer(t *testing.T, active int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","active_count":%d}`, active)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthProber_Check(t *testing.T) {
	up := healthyServer(t, 2)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	prober := NewHealthProber(StaticDiscovery{up.URL, broken.URL, downURL}, 2*time.Second)
	results := prober.Check(context.Background())
	require.Len(t, results, 3)

	assert.Equal(t, up.URL, results[0].URL)
	assert.True(t, results[0].Healthy)
	assert.Equal(t, 2, results[0].ActiveCount)

	assert.False(t, results[1].Healthy)
	assert.Contains(t, results[1].Error, "500")

	assert.False(t, results[2].Healthy)
	assert.NotEmpty(t, results[2].Error)

	assert.Equal(t, []string{up.URL}, prober.Healthy(context.Background()))
	assert.Equal(t, map[string]bool{up.URL: true, broken.URL: false, downURL: false}, prober.Probe(context.Background()))
}

func TestHealthProber_SlowWorkerTimesOut(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	prober := NewHealthProber(StaticDiscovery{slow.URL}, 50*time.Millisecond)
	start := time.Now()
	assert.Empty(t, prober.Healthy(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHealthProber_Status(t *testing.T) {
	t.Run("no workers", func(t *testing.T) {
		st := NewHealthProber(StaticDiscovery{}, time.Second).Status(context.Background())
		assert.False(t, st.Available)
		assert.Equal(t, 0, st.Total)
		assert.Equal(t, "No workers configured", st.Message)
		assert.NotNil(t, st.Workers)
	})

	t.Run("mixed", func(t *testing.T) {
		up := healthyServer(t, 0)
		st := NewHealthProber(StaticDiscovery{up.URL, "http://127.0.0.1:1"}, time.Second).Status(context.Background())
		assert.True(t, st.Available)
		assert.Equal(t, 2, st.Total)
		assert.Equal(t, 1, st.Healthy)
	})

	t.Run("below coordinator threshold", func(t *testing.T) {
		up := healthyServer(t, 0)
		p := NewHealthProber(StaticDiscovery{up.URL, "http://127.0.0.1:1"}, time.Second)
		p.SetMinHealthy(2)

		st := p.Status(context.Background())
		assert.False(t, st.Available)
		assert.Equal(t, 1, st.Healthy)
		assert.Equal(t, "1 healthy workers, 2 required", st.Message)
	})

	t.Run("agrees with coordinator", func(t *testing.T) {
		up := healthyServer(t, 0)
		p := NewHealthProber(StaticDiscovery{up.URL, "http://127.0.0.1:1"}, time.Second)
		p.SetMinHealthy(2)
		coord := NewCoordinator(CoordinatorConfig{WorkDir: t.TempDir(), MinHealthyWorkers: 2}, p, nil, nil, nil)

		st := p.Status(context.Background())
		_, runErr := coord.Run(context.Background(), Request{
			JobID:     "job1",
			Source:    "in.mp4",
			Operation: ffmpeg.Operation{Name: ffmpeg.OpCompress},
			Output:    filepath.Join(t.TempDir(), "out.mp4"),
		})
		require.Error(t, runErr)
		assert.Equal(t, st.Available, !errors.Is(runErr, ErrClusterUnavailable))
	})

	t.Run("threshold of zero means one", func(t *testing.T) {
		up := healthyServer(t, 0)
		p := NewHealthProber(StaticDiscovery{up.URL}, time.Second)
		p.SetMinHealthy(0)
		assert.True(t, p.Status(context.Background()).Available)
	})
}

func TestStaticDiscovery_Normalizes(t *testing.T) {
	eps, err := StaticDiscovery{"worker-a:7860/", " http://worker-b:7860 ", "", "http://worker-a:7860"}.Endpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"http://worker-a:7860", "http://worker-b:7860"}, eps)
}

func TestDNSDiscovery_Localhost(t *testing.T) {
	eps, err := DNSDiscovery{Host: "localhost", Port: "7860"}.Endpoints(context.Background())
	if err != nil {
		t.Skipf("localhost does not resolve here: %v", err)
	}
	require.NotEmpty(t, eps)
	for _, ep := range eps {
		assert.Regexp(t, `^http://.+:7860$`, ep)
	}
}

func TestHealthProber_LogsCarryJob(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	ctx := logx.WithJob(context.Background(), "job42")
	NewHealthProber(StaticDiscovery{"http://127.0.0.1:1"}, time.Second).Check(ctx)

	out := buf.String()
	assert.Contains(t, out, `"job_id":"job42"`)
	assert.Contains(t, out, `"worker":"http://127.0.0.1:1"`)
}
