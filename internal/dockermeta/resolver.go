package dockermeta

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/callgroup"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/logging"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/metrics"
)

// Resolver returns container metadata for an ID, consulting the cache
// before the backend. Safe for concurrent use.
type Resolver struct {
	cache   *Cache
	backend Backend
	calls   callgroup.Group[string, *Metadata]
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewResolver creates a resolver over a cache and a backend.
func NewResolver(cache *Cache, backend Backend, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	return &Resolver{
		cache:   cache,
		backend: backend,
		metrics: m,
		logger:  logging.Default(logger).With("component", "resolver"),
	}
}

// Resolve returns the metadata for id. It returns (nil, nil) when the
// daemon reported the container as unknown; that outcome is cached. A
// failed lookup returns a *BackendError and leaves the cache untouched,
// so the next call for the same id asks the backend again.
//
// Concurrent misses for the same id share one backend call. The shared
// call ignores cancellation of whichever caller started it and is bounded
// by the backend's own timeout instead.
func (r *Resolver) Resolve(ctx context.Context, id string) (*Metadata, error) {
	if meta, ok := r.cache.Get(id); ok {
		r.metrics.Hit(meta == nil)
		return meta, nil
	}
	r.metrics.Miss()

	meta, _, err := r.calls.Do(id, func() (*Metadata, error) {
		return r.lookup(context.WithoutCancel(ctx), id)
	})
	return meta, err
}

func (r *Resolver) lookup(ctx context.Context, id string) (*Metadata, error) {
	start := time.Now()
	md, err := r.backend.Lookup(ctx, id)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		r.metrics.ObserveLookup(elapsed.Seconds(), false)
		meta := &md
		r.cache.Add(id, meta)
		r.logger.Debug("resolved container", "container_id", shortID(id), "elapsed", elapsed)
		return meta, nil

	case errors.Is(err, ErrNotFound):
		r.metrics.ObserveLookup(elapsed.Seconds(), false)
		r.cache.Add(id, nil)
		r.logger.Debug("container not found, caching negative result", "container_id", shortID(id))
		return nil, nil

	default:
		r.metrics.ObserveLookup(elapsed.Seconds(), true)
		return nil, &BackendError{ID: id, Err: err}
	}
}
