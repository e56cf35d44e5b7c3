// Package sink delivers enriched batches to their destination.
package sink

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/dockermeta"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/forward"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/logging"
)

// Sink accepts one tagged batch at a time. Implementations must be safe
// for concurrent use.
type Sink interface {
	Write(ctx context.Context, tag string, batch dockermeta.Batch) error
}

// line is the JSON shape of one emitted entry.
type line struct {
	Tag    string            `json:"tag"`
	Time   string            `json:"time"`
	Record dockermeta.Record `json:"record"`
}

// JSONLines writes each entry as one JSON object per line.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines returns a sink writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLines{enc: enc}
}

func (s *JSONLines) Write(_ context.Context, tag string, batch dockermeta.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range batch {
		l := line{Tag: tag, Time: e.Time.UTC().Format(time.RFC3339Nano), Record: e.Record}
		if err := s.enc.Encode(l); err != nil {
			return fmt.Errorf("write entry %d of %q: %w", i, tag, err)
		}
	}
	return nil
}

// ForwardConfig controls retries of a Forward sink.
type ForwardConfig struct {
	MaxRetries      uint64        // retries after the first attempt
	InitialInterval time.Duration // first backoff delay; 0 means 500ms
	Logger          *slog.Logger
}

// Forward relays batches to a downstream Fluent Forward endpoint,
// retrying failed sends with exponential backoff.
type Forward struct {
	client     *forward.Client
	maxRetries uint64
	initial    time.Duration
	logger     *slog.Logger
}

// NewForward wraps a forward client as a sink.
func NewForward(client *forward.Client, cfg ForwardConfig) *Forward {
	return &Forward{
		client:     client,
		maxRetries: cfg.MaxRetries,
		initial:    cmp.Or(cfg.InitialInterval, 500*time.Millisecond),
		logger:     logging.Default(cfg.Logger).With("component", "forward-sink"),
	}
}

func (s *Forward) Write(ctx context.Context, tag string, batch dockermeta.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	err := backoff.RetryNotify(func() error {
		return s.client.Send(ctx, tag, batch)
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx), func(err error, d time.Duration) {
		s.logger.Warn("forward failed, retrying", "tag", tag, "error", err, "retry_in", d)
	})
	if err != nil {
		return fmt.Errorf("forward %q: %w", tag, err)
	}
	return nil
}

// Close closes the downstream connection.
func (s *Forward) Close() error {
	return s.client.Close()
}
