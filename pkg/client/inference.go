package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/llmops/fleetbalancer/lib/domain"
	balerrors "github.com/llmops/fleetbalancer/lib/errors"
	"github.com/llmops/fleetbalancer/lib/wire"
)

// InferenceClient wraps the balancer's inference-facing surface: the
// multiplexed /api/v1/inference_socket connection pool for token streams,
// and the NDJSON /api/v1/generate_embedding_batch endpoint.
type InferenceClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	poolSize   int

	poolOnce sync.Once
	pool     *InferenceSocketPool
}

func newInferenceClient(baseURL *url.URL, httpClient *http.Client, poolSize int, logger *slog.Logger) *InferenceClient {
	return &InferenceClient{baseURL: baseURL, httpClient: httpClient, poolSize: poolSize, logger: logger}
}

func (c *InferenceClient) socketPool() (*InferenceSocketPool, error) {
	var buildErr error
	c.poolOnce.Do(func() {
		wsURL, err := InferenceSocketURL(c.baseURL)
		if err != nil {
			buildErr = err
			return
		}
		dial := func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
			return conn, err
		}
		c.pool = NewInferenceSocketPool(dial, c.poolSize)
	})
	if buildErr != nil {
		return nil, buildErr
	}
	return c.pool, nil
}

func newRequestID() string {
	return uuid.NewString()
}

// ContinueFromConversationHistory streams generated tokens for params over
// a pooled inference socket, invoking handle for every InnerResponse until
// the stream's terminal message (spec §4.1/§4.2).
func (c *InferenceClient) ContinueFromConversationHistory(ctx context.Context, params domain.ContinueFromConversationHistoryParams, handle func(wire.InnerResponse) error) error {
	return c.streamRequest(ctx, wire.ContinueFromConversationHistory(params), handle)
}

// ContinueFromRawPrompt streams generated tokens for a raw-prompt request.
func (c *InferenceClient) ContinueFromRawPrompt(ctx context.Context, params domain.ContinueFromRawPromptParams, handle func(wire.InnerResponse) error) error {
	return c.streamRequest(ctx, wire.ContinueFromRawPrompt(params), handle)
}

// GetChatTemplateOverride fetches the currently applicable chat-template
// override from one agent in the pool, if any.
func (c *InferenceClient) GetChatTemplateOverride(ctx context.Context) (*domain.ChatTemplate, error) {
	var result *domain.ChatTemplate
	err := c.streamRequest(ctx, wire.GetChatTemplateOverride(), func(resp wire.InnerResponse) error {
		result = resp.ChatTemplateOverride
		return nil
	})
	return result, err
}

// GetModelMetadata fetches the currently loaded model's metadata.
func (c *InferenceClient) GetModelMetadata(ctx context.Context) (*domain.ModelMetadata, error) {
	var result *domain.ModelMetadata
	err := c.streamRequest(ctx, wire.GetModelMetadata(), func(resp wire.InnerResponse) error {
		result = resp.ModelMetadata
		return nil
	})
	return result, err
}

func (c *InferenceClient) streamRequest(ctx context.Context, req wire.InnerRequest, handle func(wire.InnerResponse) error) error {
	pool, err := c.socketPool()
	if err != nil {
		return err
	}

	conn, release, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}

	socket := newInferenceSocketConnection(conn, c.logger)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- socket.run(runCtx) }()

	id := newRequestID()
	if err := socket.sendRequest(id, req); err != nil {
		release(err)
		return err
	}

	var streamErr error
loop:
	for {
		env, ok := socket.recv(ctx, id)
		if !ok {
			streamErr = balerrors.ConnectionDropped(id)
			break
		}
		switch env.Kind {
		case wire.KindError:
			streamErr = balerrors.Transport("inference socket error response", fmt.Errorf("%s", env.ErrorPayload.Description))
			break loop
		case wire.KindResponse:
			if err := handle(*env.Response); err != nil {
				streamErr = err
				break loop
			}
			// Chat-template-override and model-metadata requests get exactly
			// one reply, which IsTerminal does not flag.
			if env.Response.IsTerminal() ||
				env.Response.Kind == wire.ResponseChatTemplateOverride ||
				env.Response.Kind == wire.ResponseModelMetadata {
				break loop
			}
		}
	}

	cancel()
	release(streamErr)
	return streamErr
}

// GenerateEmbeddingBatch posts params to /api/v1/generate_embedding_batch
// and streams the NDJSON response, invoking handle for each decoded
// embedding result.
func (c *InferenceClient) GenerateEmbeddingBatch(ctx context.Context, params domain.GenerateEmbeddingBatchParams, handle func(domain.EmbeddingResult) error) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("client: encode embedding batch params: %w", err)
	}

	target, err := FormatAPIURL(c.baseURL, "/api/v1/generate_embedding_batch")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("client: generate embedding batch: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return StreamNDJSON(resp.Body, handle)
}
