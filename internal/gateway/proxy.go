package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
	"github.com/netmapper/fabric/internal/upstream"
)

// sseTimeout bounds long streaming operations (LLM chat, speed tests).
const sseTimeout = 300 * time.Second

// peekBody reads and restores the request body so it can be inspected and
// forwarded.
func peekBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// proxy forwards the request to the named upstream with the minimal header
// set: Authorization always, user identity headers only toward the
// notification service.
func (g *Gateway) proxy(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)

		body, err := peekBody(r)
		if err != nil {
			httpx.Error(w, g.logger, err)
			return
		}

		header := http.Header{}
		if ct := r.Header.Get("Content-Type"); ct != "" {
			header.Set("Content-Type", ct)
		}
		if accept := r.Header.Get("Accept"); accept != "" {
			header.Set("Accept", accept)
		}
		if p != nil {
			header.Set("Authorization", "Bearer "+p.Token)
			if service == upstream.ServiceNotification && !p.IsService {
				header.Set("X-User-Id", p.UserID.String())
				header.Set("X-Username", p.Username)
			}
		}

		opts := &upstream.RequestOptions{
			Params: r.URL.Query(),
			Body:   body,
			Header: header,
		}
		stream := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
		if stream {
			opts.Timeout = sseTimeout
		}

		resp, err := g.pool.Request(r.Context(), service, r.Method, r.URL.Path, opts)
		if err != nil {
			httpx.Error(w, g.logger, err)
			return
		}
		defer resp.Body.Close()

		if stream && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
			g.streamSSE(w, resp)
			return
		}
		g.relay(w, resp)
	}
}

// relay copies an upstream response through, forcing error bodies into JSON
// objects.
func (g *Gateway) relay(w http.ResponseWriter, resp *http.Response) {
	contentType := resp.Header.Get("Content-Type")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		httpx.Error(w, g.logger, classifyRelayError(err))
		return
	}

	if resp.StatusCode >= 400 && !json.Valid(body) {
		wrapped, _ := json.Marshal(map[string]string{
			"detail": strings.TrimSpace(string(body)),
		})
		body, contentType = wrapped, "application/json"
	}

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// streamSSE pipes event-stream chunks as they arrive. An upstream failure
// mid-stream is surfaced as a terminal error record, not a truncated stream.
func (g *Gateway) streamSSE(w http.ResponseWriter, resp *http.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.relay(w, resp)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				g.logger.Warn("sse stream interrupted", "err", err)
				_, _ = io.WriteString(w, "event: error\ndata: {\"detail\":\"upstream stream interrupted\"}\n\n")
				flusher.Flush()
			}
			return
		}
	}
}

func classifyRelayError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrUpstreamTimeout
	}
	return model.ErrUpstreamUnavailable
}
