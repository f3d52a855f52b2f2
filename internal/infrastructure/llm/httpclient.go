package llm

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds non-streaming upstream calls end to end.
// Streaming clients get no overall timeout: bodies stay open as long as
// the upstream keeps generating.
const DefaultRequestTimeout = 30 * time.Second

// DefaultRetryAfter is the backoff assumed for a 429 that names no wait.
const DefaultRetryAfter = 60 * time.Second

const maxErrorBody = 64 << 10

// NewHTTPClient builds a tuned client shared by the provider
// transports. timeout of zero means no whole-request deadline.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 300 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   5,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// RequestTimeout resolves the configured timeout, falling back to the
// default.
func RequestTimeout(cfg ProviderConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return DefaultRequestTimeout
}

// ClassifyStatus maps a non-success upstream status onto the provider
// error set: 401 means the credential is bad, 429 carries a retry hint
// from the rate-limit headers, and 400s are probed for context-window
// phrasing before falling through to a generic API error.
func ClassifyStatus(provider string, status int, body string, headers http.Header) error {
	switch {
	case status == 401:
		return &NoTokenError{Provider: provider}
	case status == 429:
		retryAfter, _ := ParseRateLimitHeaders(provider, headers)
		if retryAfter == 0 {
			retryAfter = DefaultRetryAfter
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	default:
		if ctxErr := DetectContextWindowError(provider, status, body); ctxErr != nil {
			return ctxErr
		}
		return &APIError{Status: status, Body: body}
	}
}

// ReadResponse drains and closes the body, mapping non-2xx statuses
// onto the provider error set.
func ReadResponse(provider string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, ClassifyStatus(provider, resp.StatusCode, string(data), resp.Header)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ResponseParsingError{Message: "reading response body", Err: err}
	}
	return data, nil
}

// CheckStreamResponse validates a streaming response status before the
// body is handed to the pump. On failure it consumes and closes the
// body and returns the classified error.
func CheckStreamResponse(provider string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return ClassifyStatus(provider, resp.StatusCode, string(data), resp.Header)
}

// StreamState turns decoded SSE payloads into zero or more chunks. One
// state instance lives for exactly one stream.
type StreamState interface {
	ProcessPayload(data string) ([]*ChatChunk, error)
}

// PumpSSE reads the body to completion, decoding SSE events and feeding
// data payloads through the stream state. Chunks and errors go to out,
// which is closed when the stream ends. Cancellation stops the pump
// without emitting a partial chunk.
func PumpSSE(ctx context.Context, body io.ReadCloser, state StreamState, out chan<- StreamResult) {
	defer close(out)
	defer body.Close()

	parser := NewSSEParser()
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			events, err := parser.Feed(buf[:n])
			for _, ev := range events {
				done, sendErr := dispatchEvent(ctx, state, ev, out)
				if done || sendErr != nil {
					return
				}
			}
			if err != nil {
				sendResult(ctx, out, StreamResult{Err: err})
				return
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				flushTrailing(ctx, parser, state, out)
			} else if ctx.Err() == nil {
				sendResult(ctx, out, StreamResult{Err: fmt.Errorf("reading stream: %w", readErr)})
			}
			return
		}
	}
}

func dispatchEvent(ctx context.Context, state StreamState, ev SSEEvent, out chan<- StreamResult) (done bool, err error) {
	switch ev.Kind {
	case SSEDone:
		return true, nil
	case SSESkip:
		return false, nil
	}
	chunks, perr := state.ProcessPayload(ev.Data)
	for _, c := range chunks {
		if !sendResult(ctx, out, StreamResult{Chunk: c}) {
			return true, nil
		}
	}
	if perr != nil {
		sendResult(ctx, out, StreamResult{Err: perr})
		return true, perr
	}
	return false, nil
}

func flushTrailing(ctx context.Context, parser *SSEParser, state StreamState, out chan<- StreamResult) {
	ev, err := parser.Flush()
	if err != nil {
		sendResult(ctx, out, StreamResult{Err: err})
		return
	}
	if ev == nil || ev.Kind != SSEData {
		return
	}
	chunks, perr := state.ProcessPayload(ev.Data)
	for _, c := range chunks {
		if !sendResult(ctx, out, StreamResult{Chunk: c}) {
			return
		}
	}
	if perr != nil {
		sendResult(ctx, out, StreamResult{Err: perr})
	}
}

func sendResult(ctx context.Context, out chan<- StreamResult, res StreamResult) bool {
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}

// MaskToken shortens a secret to its edges for log lines.
func MaskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "***" + token[len(token)-4:]
}
