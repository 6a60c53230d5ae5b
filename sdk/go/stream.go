package droplinesdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrRetriesExhausted is returned once a stream has failed MaxRetries times
// in a row.
var ErrRetriesExhausted = errors.New("stream retries exhausted")

// StreamError is an error event sent by the server before it closes a stream.
// Auth and validation failures are not retried.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %s: %s", e.Code, e.Message)
}

// StreamOptions tunes reconnection. Zero values pick the defaults.
type StreamOptions struct {
	// InitialBackoff is the delay before the first reconnect. Default 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling delay. Default 30s.
	MaxBackoff time.Duration
	// MaxRetries bounds consecutive failed connects. Default 5.
	MaxRetries int
	// OnSnapshot receives every snapshot event.
	OnSnapshot func([]Snapshot)
	// OnReconnect is called with the attempt number and the delay before it.
	OnReconnect func(attempt int, wait time.Duration)
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	return o
}

// Backoff returns the delay before the given reconnect attempt (1-based).
func (o StreamOptions) Backoff(attempt int) time.Duration {
	o = o.withDefaults()
	d := o.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.MaxBackoff {
			return o.MaxBackoff
		}
	}
	return d
}

// StreamStats holds a server-sent event stream open and reconnects with
// capped exponential backoff. A connection that delivered at least one
// snapshot resets the retry count. It returns ctx.Err() on cancellation,
// a *StreamError for terminal server errors, or ErrRetriesExhausted.
func (c *Client) StreamStats(ctx context.Context, campaignIDs []string, opts StreamOptions) error {
	opts = opts.withDefaults()
	failures := 0
	for {
		delivered, err := c.streamOnce(ctx, campaignIDs, opts.OnSnapshot)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var se *StreamError
		if errors.As(err, &se) {
			return err
		}
		var ae *APIError
		if errors.As(err, &ae) && ae.StatusCode < 500 {
			return err
		}
		if delivered {
			failures = 0
		}
		failures++
		if failures > opts.MaxRetries {
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}
		wait := opts.Backoff(failures)
		if opts.OnReconnect != nil {
			opts.OnReconnect(failures, wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// streamOnce reads one connection until it ends. The bool reports whether a
// snapshot arrived.
func (c *Client) streamOnce(ctx context.Context, campaignIDs []string, fn func([]Snapshot)) (bool, error) {
	// same transport, no client timeout: the stream lives until ctx or the
	// server ends it
	hc := &http.Client{}
	if c.HTTPClient != nil {
		hc.Transport = c.HTTPClient.Transport
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+statsQuery("v0/stats/stream", campaignIDs), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	resp, err := hc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return false, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	delivered := false
	err = readEvents(resp.Body, func(event, data string) error {
		switch event {
		case "snapshot":
			var ev struct {
				Snapshots []Snapshot `json:"snapshots"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return err
			}
			delivered = true
			if fn != nil {
				fn(ev.Snapshots)
			}
		case "error":
			se := &StreamError{}
			if err := json.Unmarshal([]byte(data), se); err != nil {
				return err
			}
			return se
		}
		return nil
	})
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return delivered, err
}

// readEvents splits a text/event-stream body into (event, data) pairs.
// Multi-line data is joined with newlines; comments are skipped.
func readEvents(r io.Reader, fn func(event, data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if event == "" {
					event = "message"
				}
				if err := fn(event, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}
	}
	return sc.Err()
}

// Watcher keeps a stats stream open only while the viewer is visible.
type Watcher struct {
	Client      *Client
	CampaignIDs []string
	Options     StreamOptions
	// OnDone receives the stream's terminal error, except cancellations
	// caused by SetVisible(false) or Close.
	OnDone func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// SetVisible connects when v is true and no stream is running, and
// disconnects when v is false.
func (w *Watcher) SetVisible(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if !v {
		w.stopLocked()
		return
	}
	if w.cancel != nil {
		select {
		case <-w.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel, w.done = cancel, done
	go func() {
		defer close(done)
		err := w.Client.StreamStats(ctx, w.CampaignIDs, w.Options)
		if ctx.Err() == nil && w.OnDone != nil {
			w.OnDone(err)
		}
	}()
}

// Connected reports whether a stream goroutine is running.
func (w *Watcher) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Close stops the stream and ignores later SetVisible calls.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.stopLocked()
}

func (w *Watcher) stopLocked() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel, w.done = nil, nil
}
