package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	kberrors "github.com/kbserve/kbserve/internal/errors"
)

// Remote worker defaults.
const (
	DefaultDimensions = 1024
	DefaultTimeout    = 300 * time.Second
	DefaultMaxRetries = 3
	remotePoolSize    = 4
)

// RemoteConfig configures the remote embedding worker client.
type RemoteConfig struct {
	// BaseURL is the worker endpoint, e.g. http://127.0.0.1:21001.
	BaseURL string
	// Model names the embedding model, used for cache keys and catalog
	// records; the worker decides which model actually serves.
	Model string
	// Dims is the embedding dimension the worker produces.
	Dims int
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// MaxRetries bounds attempts per request.
	MaxRetries int
}

// RemoteEmbedder calls the embedding worker over HTTP:
//
//	POST {base}/worker_embed_query      "text"     -> [f, f, ...]
//	POST {base}/worker_embed_documents  ["t", ...] -> [[f, ...], ...]
type RemoteEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    RemoteConfig

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*RemoteEmbedder)(nil)

// NewRemoteEmbedder creates a worker client.
func NewRemoteEmbedder(cfg RemoteConfig) *RemoteEmbedder {
	if cfg.Dims <= 0 {
		cfg.Dims = DefaultDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	transport := &http.Transport{
		MaxIdleConns:        remotePoolSize,
		MaxIdleConnsPerHost: remotePoolSize,
		MaxConnsPerHost:     remotePoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	// No http.Client.Timeout: per-request context timeouts control the
	// deadline so cancellation propagates cleanly.
	return &RemoteEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}
}

// Embed generates the embedding for a single query text.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, kberrors.Newf(kberrors.ErrCodeEmbeddingRemote, "embedder is closed")
	}
	e.mu.RUnlock()

	if strings.TrimSpace(text) == "" {
		return make([]float32, e.config.Dims), nil
	}

	var vec []float32
	err := e.postWithRetry(ctx, "/worker_embed_query", text, &vec)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, kberrors.Newf(kberrors.ErrCodeEmbeddingRemote, "worker returned empty embedding")
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple documents. Empty texts
// are answered locally with zero vectors and never hit the worker.
func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, kberrors.Newf(kberrors.ErrCodeEmbeddingRemote, "embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	type indexedText struct {
		idx  int
		text string
	}
	var nonEmpty []indexedText
	results := make([][]float32, len(texts))

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.config.Dims)
		} else {
			nonEmpty = append(nonEmpty, indexedText{i, text})
		}
	}
	if len(nonEmpty) == 0 {
		return results, nil
	}

	payload := make([]string, len(nonEmpty))
	for i, it := range nonEmpty {
		payload[i] = it.text
	}

	var vecs [][]float32
	if err := e.postWithRetry(ctx, "/worker_embed_documents", payload, &vecs); err != nil {
		return nil, err
	}
	if len(vecs) != len(nonEmpty) {
		return nil, kberrors.Newf(kberrors.ErrCodeEmbeddingRemote,
			"worker returned %d embeddings for %d texts", len(vecs), len(nonEmpty))
	}

	for i, vec := range vecs {
		results[nonEmpty[i].idx] = vec
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *RemoteEmbedder) Dimensions() int {
	return e.config.Dims
}

// ModelName returns the model identifier.
func (e *RemoteEmbedder) ModelName() string {
	return e.config.Model
}

// Close releases HTTP resources.
func (e *RemoteEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

// postWithRetry posts payload with exponential backoff.
func (e *RemoteEmbedder) postWithRetry(ctx context.Context, path string, payload any, out any) error {
	var lastErr error

	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt > 0 {
			// Exponential backoff: 100ms * 2^attempt
			backoff := time.Duration(100<<attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			slog.Debug("embed_retry",
				slog.String("path", path),
				slog.Int("attempt", attempt+1))
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		err := e.post(timeoutCtx, path, payload, out)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return kberrors.Wrap(kberrors.ErrCodeEmbeddingRemote,
		fmt.Errorf("failed after %d attempts: %w", e.config.MaxRetries, lastErr))
}

// post performs one HTTP attempt, watching for context cancellation so
// shutdown does not wait on a slow worker.
func (e *RemoteEmbedder) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resultCh := make(chan error, 1)
	go func() {
		resp, err := e.client.Do(req)
		if err != nil {
			resultCh <- err
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			resultCh <- fmt.Errorf("worker returned status %d: %s", resp.StatusCode, string(respBody))
			return
		}

		resultCh <- json.NewDecoder(resp.Body).Decode(out)
	}()

	select {
	case <-ctx.Done():
		e.transport.CloseIdleConnections()
		select {
		case <-resultCh:
		case <-time.After(100 * time.Millisecond):
		}
		return ctx.Err()
	case err := <-resultCh:
		return err
	}
}
