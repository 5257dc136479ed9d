// Package client calls the generation service over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"logogen/pkg/domain"
	"logogen/pkg/queue"
)

// Client implements watcher.Initiator and watcher.Source.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; event streams end with the job.
	streamClient *http.Client
	token        func() (string, error)
}

// APIError is a non-2xx response that has no domain error equivalent.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
}

// New constructs a client for the service at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		streamClient: &http.Client{},
	}
}

// WithToken returns a copy of c that sends a bearer token from fn on every
// request. Admin routes require one when the service is configured for it.
func (c *Client) WithToken(fn func() (string, error)) *Client {
	cp := *c
	cp.token = fn
	return &cp
}

func (c *Client) StartGeneration(ctx context.Context, prompt, style string) (domain.StartResult, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt, "style": style})
	if err != nil {
		return domain.StartResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/startGeneration", bytes.NewReader(body))
	if err != nil {
		return domain.StartResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var res domain.StartResult
	if err := c.do(req, &res); err != nil {
		return domain.StartResult{}, err
	}
	return res, nil
}

func (c *Client) HealthCheck(ctx context.Context) (domain.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/healthCheck", nil)
	if err != nil {
		return domain.Health{}, err
	}
	var health domain.Health
	if err := c.do(req, &health); err != nil {
		return domain.Health{}, err
	}
	return health, nil
}

func (c *Client) GetGeneration(ctx context.Context, id string) (domain.Generation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.generationURL(id), nil)
	if err != nil {
		return domain.Generation{}, err
	}
	var gen domain.Generation
	if err := c.do(req, &gen); err != nil {
		return domain.Generation{}, err
	}
	return gen, nil
}

func (c *Client) ListGenerations(ctx context.Context, limit int) ([]domain.Generation, error) {
	u := c.baseURL + "/generations"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Items []domain.Generation `json:"items"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) DeleteGeneration(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.generationURL(id), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Subscribe opens the generation's event stream. The first callback carries
// the current record or nil. onError receives a *domain.SubscriptionError if
// the stream breaks before a terminal snapshot.
func (c *Client) Subscribe(ctx context.Context, id string, onChange func(*domain.Generation), onError func(error)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.generationURL(id)+"/events", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, &domain.SubscriptionError{GenerationID: id, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, &domain.SubscriptionError{GenerationID: id, Err: decodeError(resp)}
	}

	var once sync.Once
	unsubscribe := func() { once.Do(cancel) }

	go func() {
		defer resp.Body.Close()
		terminal, err := readStream(resp.Body, func(name string, data []byte) error {
			switch name {
			case "snapshot":
				var gen *domain.Generation
				if err := json.Unmarshal(data, &gen); err != nil {
					return fmt.Errorf("decode snapshot: %w", err)
				}
				if ctx.Err() == nil {
					onChange(gen)
				}
			case "error":
				var body struct {
					Message string `json:"message"`
				}
				_ = json.Unmarshal(data, &body)
				return errors.New(body.Message)
			}
			return nil
		})
		if terminal || ctx.Err() != nil {
			return
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if onError != nil {
			onError(&domain.SubscriptionError{GenerationID: id, Err: err})
		}
	}()
	return unsubscribe, nil
}

// readStream dispatches server-sent events until EOF or a handler error.
// It reports whether a terminal snapshot was seen.
func readStream(r io.Reader, handle func(name string, data []byte) error) (bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var (
		name     string
		data     bytes.Buffer
		terminal bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				name = ""
				continue
			}
			if name == "" {
				name = "message"
			}
			payload := bytes.TrimSuffix(data.Bytes(), []byte("\n"))
			if name == "snapshot" {
				var probe struct {
					Status domain.Status `json:"status"`
				}
				if json.Unmarshal(payload, &probe) == nil && probe.Status.Terminal() {
					terminal = true
				}
			}
			if err := handle(name, payload); err != nil {
				return false, err
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			data.WriteByte('\n')
		}
	}
	return terminal, scanner.Err()
}

func (c *Client) generationURL(id string) string {
	return c.baseURL + "/generations/" + url.PathEscape(id)
}

// QueueStats reports the completion queue depth.
func (c *Client) QueueStats(ctx context.Context) (queue.Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue/stats", nil)
	if err != nil {
		return queue.Stats{}, err
	}
	var stats queue.Stats
	if err := c.do(req, &stats); err != nil {
		return queue.Stats{}, err
	}
	return stats, nil
}

// DeadLetters lists completions that exhausted their retries, newest first.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error) {
	u := c.baseURL + "/queue/dead-letters"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Items []queue.DeadLetter `json:"items"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != nil {
		token, err := c.token()
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError maps the service's error envelope back onto domain errors.
func decodeError(resp *http.Response) error {
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
	msg := body.Error.Message
	if msg == "" {
		msg = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest && body.Error.Kind == "validation":
		return &domain.ValidationError{Message: msg}
	case resp.StatusCode == http.StatusServiceUnavailable && body.Error.Kind == "transient":
		return &domain.TransientStoreError{Op: "start generation", Err: errors.New(msg)}
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	}
	return &APIError{Status: resp.StatusCode, Kind: body.Error.Kind, Message: msg}
}
