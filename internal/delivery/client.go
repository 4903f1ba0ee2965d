// Package delivery posts telemetry records to the collector. It never retries
// and never reports failures to its caller; they are logged and dropped.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const maxLoggedBodyBytes = 512

type Client struct {
	origin string
	client *http.Client
	logger *slog.Logger
}

func New(origin string, logger *slog.Logger) *Client {
	return NewWithClient(origin, &http.Client{}, logger)
}

func NewWithClient(origin string, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		origin: strings.TrimRight(origin, "/"),
		client: client,
		logger: logger,
	}
}

type ResponseError struct {
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	if e == nil {
		return ""
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		return fmt.Sprintf("collector responded %d: %s", e.StatusCode, body)
	}
	return fmt.Sprintf("collector responded %d", e.StatusCode)
}

// Deliver sends body to path and absorbs every failure.
func (c *Client) Deliver(ctx context.Context, path string, body json.RawMessage) {
	err := c.Post(ctx, path, body)
	if err == nil {
		c.logger.Debug("delivered", "path", path)
		return
	}
	var responseError *ResponseError
	if errors.As(err, &responseError) {
		c.logger.Error("collector rejected record",
			"path", path, "status", responseError.StatusCode, "body", responseError.Body)
		return
	}
	c.logger.Error("failed to deliver record", "path", path, "error", err)
}

// Post issues one JSON POST to the collector. A non-2xx status is returned as *ResponseError.
func (c *Client) Post(ctx context.Context, path string, body json.RawMessage) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.origin+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxLoggedBodyBytes))
		return &ResponseError{StatusCode: response.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}
