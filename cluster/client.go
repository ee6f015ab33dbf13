package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ffcluster/ffmpeg"
	"ffcluster/logx"
)

// WorkerClient ships one chunk to one worker and brings the result back.
type WorkerClient struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewWorkerClient returns a client whose Process calls are bounded by timeout,
// covering upload, remote processing and download together.
func NewWorkerClient(timeout time.Duration) *WorkerClient {
	return &WorkerClient{
		// deadlines come from the per-chunk context
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// ProcessResponse is the worker's answer to POST /process-chunk.
type ProcessResponse struct {
	ChunkID     string `json:"chunk_id"`
	Handle      string `json:"handle"`
	Status      string `json:"status"`
	OutputSize  int64  `json:"output_size"`
	DownloadURL string `json:"download_url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Process runs chunk on worker and returns it in a terminal state. Errors never
// escape: they are recorded on the chunk as Failed.
func (c *WorkerClient) Process(ctx context.Context, chunk *Chunk, worker string, op ffmpeg.Operation) (out *Chunk) {
	ctx = logx.WithChunk(ctx, chunk.ID, worker)
	logger := logx.FromCtx(ctx)
	out = chunk

	defer func() {
		if r := recover(); r != nil {
			chunk.Fail(fmt.Errorf("panic while processing chunk: %v", r))
		}
		if chunk.State == ChunkFailed {
			logger.Error().Str("error", chunk.Error).Msg("Chunk failed")
		}
	}()

	if err := chunk.Assign(worker); err != nil {
		chunk.Fail(err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	op = op.Normalize()
	chunk.State = ChunkUploading
	resp, err := c.submit(ctx, chunk, worker, op)
	if err != nil {
		chunk.Fail(err)
		return
	}

	resultPath := filepath.Join(filepath.Dir(chunk.LocalPath), fmt.Sprintf("%s_processed.%s", chunk.ID, op.OutputFormat))
	if err := c.download(ctx, downloadURL(worker, chunk.ID, resp.DownloadURL), resultPath); err != nil {
		chunk.Fail(err)
		return
	}

	chunk.Complete(resultPath)
	logger.Info().Int64("output_size", resp.OutputSize).Msg("Chunk processed successfully")
	return
}

func (c *WorkerClient) submit(ctx context.Context, chunk *Chunk, worker string, op ffmpeg.Operation) (*ProcessResponse, error) {
	f, err := os.Open(chunk.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("opening chunk: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeChunkForm(mw, f, chunk.ID, op))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, worker+"/process-chunk", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// the worker transforms synchronously inside this request
	chunk.State = ChunkProcessing
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload to %s failed: %w", worker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker error (%d): %s", resp.StatusCode, readErrorMessage(resp.Body))
	}

	var pres ProcessResponse
	if err := json.NewDecoder(resp.Body).Decode(&pres); err != nil {
		return nil, fmt.Errorf("decoding worker response: %w", err)
	}
	if pres.Status != "" && pres.Status != "complete" {
		return nil, fmt.Errorf("worker reported status %q", pres.Status)
	}
	return &pres, nil
}

func writeChunkForm(mw *multipart.Writer, src io.Reader, chunkID string, op ffmpeg.Operation) error {
	fields := [][2]string{
		{"chunk_id", chunkID},
		{"operation", op.Name},
		{"quality", op.Quality},
		{"output_format", op.OutputFormat},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", chunkID+filepath.Ext(nameOf(src)))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

func (c *WorkerClient) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed (%d): %s", resp.StatusCode, readErrorMessage(resp.Body))
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating result file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("saving result: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

func downloadURL(worker, chunkID, fromResponse string) string {
	switch {
	case strings.HasPrefix(fromResponse, "http://"), strings.HasPrefix(fromResponse, "https://"):
		return fromResponse
	case strings.HasPrefix(fromResponse, "/"):
		return worker + fromResponse
	default:
		return worker + "/download/" + url.PathEscape(chunkID)
	}
}

// readErrorMessage extracts {"error": ...} from a worker reply, or the raw text.
func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var e errorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}

func nameOf(r io.Reader) string {
	if f, ok := r.(*os.File); ok {
		return f.Name()
	}
	return ""
}
