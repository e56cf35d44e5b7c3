// Package dockermeta enriches tagged log batches with Docker container
// metadata.
//
// A Filter extracts a container ID from the batch tag, resolves it
// through a Resolver (an LRU cache in front of the Docker daemon) and
// attaches the result to every record under the "docker" key:
//
//	docker: {id, name, container_hostname, image, image_id, labels}
//
// Enrichment is best-effort. A tag without an ID, an unknown container
// or a failed daemon lookup all leave the batch exactly as it arrived.
package dockermeta

import (
	"context"
	"log/slog"
	"maps"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/logging"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/metrics"
)

// Filter is the enrichment stage. Safe for concurrent use.
type Filter struct {
	matcher  *Matcher
	resolver *Resolver
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New validates cfg and wires a cache, resolver and matcher around backend.
func New(cfg Config, backend Backend, m *metrics.Metrics, logger *slog.Logger) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	re, err := cfg.Compile()
	if err != nil {
		return nil, err
	}
	cache, err := NewCache(cfg.CacheSize, m)
	if err != nil {
		return nil, err
	}
	logger = logging.Default(logger)
	return NewFilter(NewMatcher(re), NewResolver(cache, backend, m, logger), m, logger), nil
}

// NewFilter assembles a filter from its parts.
func NewFilter(matcher *Matcher, resolver *Resolver, m *metrics.Metrics, logger *slog.Logger) *Filter {
	return &Filter{
		matcher:  matcher,
		resolver: resolver,
		metrics:  m,
		logger:   logging.Default(logger).With("component", "filter"),
	}
}

// Match extracts the container ID from tag.
func (f *Filter) Match(tag string) (string, bool) {
	return f.matcher.Match(tag)
}

// Resolve resolves a container ID through the filter's cache.
func (f *Filter) Resolve(ctx context.Context, id string) (*Metadata, error) {
	return f.resolver.Resolve(ctx, id)
}

// Process returns batch with the container metadata attached to every
// record. When no metadata is available the input batch is returned
// as is. The input records are never modified.
func (f *Filter) Process(ctx context.Context, tag string, batch Batch) Batch {
	id, ok := f.matcher.Match(tag)
	if !ok {
		f.metrics.Batch(metrics.OutcomeNoMatch, len(batch))
		return batch
	}

	meta, err := f.resolver.Resolve(ctx, id)
	if err != nil {
		f.logger.Warn("container lookup failed, passing batch through", "tag", tag, "error", err)
		f.metrics.Batch(metrics.OutcomeError, len(batch))
		return batch
	}
	if meta == nil {
		f.metrics.Batch(metrics.OutcomeNotFound, len(batch))
		return batch
	}

	f.metrics.Batch(metrics.OutcomeEnriched, len(batch))
	return enrich(batch, meta)
}

// enrich copies every record and sets the docker field on the copy.
func enrich(batch Batch, meta *Metadata) Batch {
	out := make(Batch, len(batch))
	for i, e := range batch {
		rec := make(Record, len(e.Record)+1)
		maps.Copy(rec, e.Record)
		rec[FieldName] = meta.Field()
		out[i] = Entry{Time: e.Time, Record: rec}
	}
	return out
}
