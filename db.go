package quipodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// DB is a document store over one or more providers.
//
// Writes fan out to every provider; reads use the first provider that
// answers, in configuration order. An optional Cache mirrors collection
// contents to serve lookups without a provider round trip.
type DB struct {
	providers []Provider
	breakers  []*CircuitBreaker // parallel to providers, nil entries when disabled
	cache     *Cache
	logger    Logger
	metrics   Metrics
	profiler  *QueryProfiler

	breakerFailures int
	breakerReset    time.Duration

	ttlInterval time.Duration
	ttlField    string
	stopSweep   chan struct{}
	sweepDone   chan struct{}

	mu          sync.RWMutex
	collections map[string]*Docs
	closed      bool
}

// Option configures a DB.
type Option func(*DB) error

// WithProvider adds a provider. The first provider added serves reads.
func WithProvider(p Provider) Option {
	return func(db *DB) error {
		if p == nil {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "provider",
				"reason": "must not be nil",
			})
		}
		db.providers = append(db.providers, p)
		return nil
	}
}

// WithCache enables the in-process mirror of collection contents.
func WithCache() Option {
	return func(db *DB) error {
		db.cache = NewCache()
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger Logger) Option {
	return func(db *DB) error {
		db.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector. The default discards everything.
func WithMetrics(metrics Metrics) Option {
	return func(db *DB) error {
		db.metrics = metrics
		return nil
	}
}

// WithCircuitBreaker guards every provider with its own CircuitBreaker.
func WithCircuitBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(db *DB) error {
		db.breakerFailures = maxFailures
		db.breakerReset = resetTimeout
		return nil
	}
}

// WithTTLSweep removes documents whose "ttl" field, an epoch millisecond
// timestamp, has passed. The sweep runs every interval until Close.
func WithTTLSweep(interval time.Duration) Option {
	return func(db *DB) error {
		if interval <= 0 {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "ttl_interval",
				"value":  interval,
				"reason": "must be positive",
			})
		}
		db.ttlInterval = interval
		return nil
	}
}

// New creates a DB. At least one provider is required.
func New(opts ...Option) (*DB, error) {
	db := &DB{
		logger:      &NoOpLogger{},
		metrics:     &NoOpMetrics{},
		ttlField:    DefaultTTLField,
		collections: make(map[string]*Docs),
	}

	for _, opt := range opts {
		if err := opt(db); err != nil {
			return nil, err
		}
	}

	if len(db.providers) == 0 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "providers",
			"reason": "at least one provider is required",
		})
	}

	db.breakers = make([]*CircuitBreaker, len(db.providers))
	if db.breakerFailures > 0 {
		for i, p := range db.providers {
			name := p.Name()
			db.breakers[i] = NewCircuitBreaker(db.breakerFailures, db.breakerReset).
				OnStateChange(func(from, to BreakerState) {
					db.logger.Warn("circuit breaker state changed",
						"provider", name,
						"from", from.String(),
						"to", to.String(),
					)
				})
		}
	}

	if db.ttlInterval > 0 {
		db.startSweep()
	}

	db.logger.Info("quipodb opened",
		"providers", db.providerNames(),
		"cache", db.cache != nil,
		"ttl_interval", db.ttlInterval.String(),
	)
	return db, nil
}

// CollectionOption configures a collection at creation.
type CollectionOption func(*CollectionSpec)

// WithPrimaryKey names the field identifying documents of the collection.
// Documents created without it get a generated ID.
func WithPrimaryKey(field string) CollectionOption {
	return func(spec *CollectionSpec) {
		spec.PrimaryKey = field
	}
}

// CreateCollection creates a collection in every provider and returns its
// handle. Creating an existing collection returns the existing handle.
//
// A missing name, or a missing primary key where a provider requires one,
// is a configuration error and nothing is created. Provider failures are
// returned alongside the handle as long as one provider succeeded.
func (db *DB) CreateCollection(ctx context.Context, name string, opts ...CollectionOption) (*Docs, error) {
	spec := CollectionSpec{Name: name}
	for _, opt := range opts {
		opt(&spec)
	}
	if err := db.validateSpec(spec); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	if docs, ok := db.collections[name]; ok {
		return docs, nil
	}

	err := db.fanOut(ctx, "createCollection", name, func(ctx context.Context, p Provider) error {
		return p.CreateCollection(ctx, spec)
	})
	if len(ProviderErrors(err)) == len(db.providers) {
		return nil, err
	}

	docs := &Docs{db: db, spec: spec}
	db.collections[name] = docs

	if db.cache != nil {
		existing, readErr := db.readCollection(ctx, name)
		if readErr != nil {
			err = multierr.Append(err, readErr)
		}
		db.cache.Load(name, existing)
		db.metrics.Gauge(MetricCollectionSize, float64(len(existing)), "collection", name)
	}

	db.logger.Debug("collection created", "collection", name, "primary_key", spec.PrimaryKey)
	return docs, err
}

func (db *DB) validateSpec(spec CollectionSpec) error {
	if spec.Name == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "name",
			"reason": "collection name is required",
		})
	}
	if spec.PrimaryKey != "" {
		return nil
	}
	for _, p := range db.providers {
		if r, ok := p.(PrimaryKeyRequirer); ok && r.RequiresPrimaryKey() {
			return WithContext(ErrMissingPrimaryKey, map[string]interface{}{
				"collection": spec.Name,
				"provider":   p.Name(),
			})
		}
	}
	return nil
}

// Collection returns the handle of a collection created on this DB.
func (db *DB) Collection(name string) (*Docs, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	docs, ok := db.collections[name]
	if !ok {
		return nil, WithContext(ErrCollectionNotFound, map[string]interface{}{"collection": name})
	}
	return docs, nil
}

// DeleteCollection drops a collection from every provider and the cache.
func (db *DB) DeleteCollection(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	err := db.fanOut(ctx, "deleteCollection", name, func(ctx context.Context, p Provider) error {
		return p.DeleteCollection(ctx, name)
	})
	delete(db.collections, name)
	if db.cache != nil {
		db.cache.Drop(name)
		db.metrics.Gauge(MetricCollectionSize, 0, "collection", name)
	}
	return err
}

// Collections lists the collections known to the first provider that answers.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	var names []string
	err := db.readFirst(ctx, "collections", "", func(ctx context.Context, p Provider) error {
		var err error
		names, err = p.Collections(ctx)
		return err
	})
	return names, err
}

// Flush writes buffered data of every provider that buffers.
func (db *DB) Flush(ctx context.Context) error {
	var errs error
	for i, p := range db.providers {
		f, ok := p.(Flusher)
		if !ok {
			continue
		}
		errs = multierr.Append(errs, db.call(ctx, i, "flush", "", func(ctx context.Context) error {
			return f.Flush(ctx)
		}))
	}
	return errs
}

// Ping checks every provider that can report connectivity.
func (db *DB) Ping(ctx context.Context) error {
	var errs error
	for i, p := range db.providers {
		pinger, ok := p.(Pinger)
		if !ok {
			continue
		}
		errs = multierr.Append(errs, db.call(ctx, i, "ping", "", func(ctx context.Context) error {
			return pinger.Ping(ctx)
		}))
	}
	return errs
}

// Close stops the TTL sweep, flushes and closes every provider.
// Closing twice is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.stopSweeper()

	errs := db.Flush(context.Background())
	for _, p := range db.providers {
		if err := p.Close(); err != nil {
			errs = multierr.Append(errs, &ProviderError{Provider: p.Name(), Op: "close", Err: err})
		}
	}
	db.logger.Info("quipodb closed")
	return errs
}

func (db *DB) isClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

func (db *DB) providerNames() []string {
	names := make([]string, len(db.providers))
	for i, p := range db.providers {
		names[i] = p.Name()
	}
	return names
}

// fanOut runs fn against every provider concurrently and waits for all of
// them. A failing provider never stops the others; failures are returned
// as one aggregated error of *ProviderError values.
func (db *DB) fanOut(ctx context.Context, op, collection string, fn func(ctx context.Context, p Provider) error) error {
	if len(db.providers) == 1 {
		return db.call(ctx, 0, op, collection, func(ctx context.Context) error {
			return fn(ctx, db.providers[0])
		})
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for i, p := range db.providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			err := db.call(ctx, i, op, collection, func(ctx context.Context) error {
				return fn(ctx, p)
			})
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(i, p)
	}
	wg.Wait()
	return errs
}

// readFirst tries providers in order until one succeeds. ErrNotFound from
// a provider is final: the document is absent, not the backend.
func (db *DB) readFirst(ctx context.Context, op, collection string, fn func(ctx context.Context, p Provider) error) error {
	profile := profileFrom(ctx)
	var errs error
	for i, p := range db.providers {
		err := db.call(ctx, i, op, collection, func(ctx context.Context) error {
			return fn(ctx, p)
		})
		if profile != nil {
			profile.ProviderOps++
		}
		if err == nil || IsNotFound(err) {
			if profile != nil {
				profile.Source = p.Name()
				profile.Fallback = i > 0
			}
		}
		if err == nil {
			return nil
		}
		if IsNotFound(err) {
			return ErrNotFound
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (db *DB) readCollection(ctx context.Context, name string) ([]Document, error) {
	var docs []Document
	err := db.readFirst(ctx, "getCollection", name, func(ctx context.Context, p Provider) error {
		var err error
		docs, err = p.GetCollection(ctx, name)
		return err
	})
	return docs, err
}

// call runs one provider operation with metrics, logging, panic recovery
// and the provider's circuit breaker.
func (db *DB) call(ctx context.Context, i int, op, collection string, fn func(ctx context.Context) error) (err error) {
	p := db.providers[i]
	name := p.Name()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}

		db.metrics.Timing(MetricProviderLatency, time.Since(start), "provider", name, "op", op)
		db.metrics.Increment(MetricProviderOps, "provider", name, "op", op)
		if err == nil {
			return
		}

		if !IsNotFound(err) {
			db.metrics.Increment(MetricProviderErrors, "provider", name, "op", op)
			db.logger.Error("provider operation failed",
				"provider", name,
				"op", op,
				"collection", collection,
				"error", err,
			)
		}
		err = &ProviderError{Provider: name, Op: op, Collection: collection, Err: err}
	}()

	if cb := db.breakers[i]; cb != nil {
		err = cb.Execute(ctx, fn)
		if errors.Is(err, ErrBackendUnavailable) && cb.State() == BreakerOpen {
			db.metrics.Increment(MetricCircuitOpen, "provider", name)
		}
		return err
	}
	return fn(ctx)
}
