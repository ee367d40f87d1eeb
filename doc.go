// Package quipodb provides a document store façade: JSON-like documents in
// named collections, mirrored into one or more pluggable providers.
//
// # Overview
//
// A DB owns an ordered list of providers (in-memory, JSON file, SQLite,
// PostgreSQL, Redis, object storage over filesystem/S3/MinIO/GCS, or any
// gocloud.dev/docstore URL). It provides:
//
//   - Collection and document CRUD with writes fanned out to every provider
//   - Reads served by the first provider that answers, falling through on failure
//   - An optional in-process cache that answers lookups without a provider call
//   - Update operators ($add, $subtract, $multiply, $divide, $push)
//   - A chainable Query that filters, sorts, edits and commits only what changed
//   - TTL expiry, per-provider circuit breakers and query profiling
//   - Full observability (Prometheus metrics + structured logging)
//
// # Quick Start
//
//	db, err := quipodb.New(quipodb.WithProvider(quipodb.NewMemoryProvider()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	users, err := db.CreateCollection(ctx, "users", quipodb.WithPrimaryKey("id"))
//	users.CreateDoc(ctx, quipodb.Document{"id": "u1", "name": "Ada", "balance": 100})
//
//	doc, err := users.FindDoc(ctx, quipodb.Document{"id": "u1"})
//
// Production setup from a YAML file, with SQLite as the primary and Redis
// as a mirror:
//
//	cfg, err := quipodb.LoadConfig("quipodb.yaml")
//	cfg.ApplyEnv()
//	db, err := quipodb.Open(ctx, cfg,
//	    quipodb.WithMetrics(quipodb.NewPrometheusMetrics(nil)),
//	)
//
// # Core Concepts
//
// Provider: storage adapter for one backend. Every write reaches every
// provider; a failing provider never blocks the others. Failures come back
// as one aggregated error of *ProviderError values (see ProviderErrors).
//
// Docs: the handle of one collection, returned by DB.CreateCollection. A
// document is matched by a partial Document (all given fields equal) or by
// a Selector function.
//
// Cache: an optional in-process mirror of collection contents, warmed when
// a collection is opened and kept current by every write.
//
// Backend: the key/value storage under ObjectProvider. FilesystemBackend,
// S3Backend (also used for MinIO), GCSBackend and EncryptionBackend
// (AES-256-GCM over any other backend) implement it.
//
// # Updates
//
// UpdateDoc overwrites plain fields and then applies operator fields in a
// fixed order: $add, $subtract, $multiply, $divide, $push.
//
//	users.UpdateDoc(ctx, quipodb.Document{"id": "u1"}, quipodb.Document{
//	    "name": "Ada L.",
//	    "$add":  map[string]any{"balance": 50},
//	    "$push": map[string]any{"tags": "vip"},
//	})
//
// Operands that are not numbers are skipped; the remaining operators still
// apply. UpdateRaw returns an editable copy whose Save replaces the stored
// document.
//
// # Queries
//
// QueryCollection returns a Query over a snapshot of the collection. Filters
// narrow the working set, mutators edit it, and Save returns the revisions;
// SaveQuery writes only the documents that changed:
//
//	q, err := users.QueryCollection(ctx)
//	q.Where("age").Gte(18).Where("balance").Add(10)
//	written, err := users.SaveQuery(ctx, q.ClearQuery().Save())
//
// Limit only shapes the output of Raw, ToJSON and ToValue.
//
// # Configuration
//
// Config is read from YAML (LoadConfig) and overridden by QUIPODB_* and
// REDIS_* environment variables (Config.ApplyEnv). Open builds the DB and
// its providers from a Config.
//
// # Error Handling
//
// Errors wrap sentinel values that work with errors.Is:
//
//	if quipodb.IsNotFound(err) {
//	    // no such document
//	}
//	if quipodb.IsRetryable(err) {
//	    // backend unavailable or timed out
//	}
//
// WithContext attaches key/value details to an error without hiding the
// sentinel.
//
// # Observability
//
// Logging goes through the Logger interface; NewProductionZapLogger and
// NewDevelopmentZapLogger adapt go.uber.org/zap. Metrics go through the
// Metrics interface; NewPrometheusMetrics registers counters, gauges and
// histograms for provider operations, cache hits, query sizes and TTL
// expiry. A QueryProfiler (WithProfiler) records every read with the
// provider that answered it, and a MetricsExporter drains the profiles
// into Metrics.
//
// # Simple API
//
// Package simple wraps a DB in typed, generic collections configured from
// the environment. Package internal/sqlquery translates SQL statements into
// Query chains for the quipodb command.
package quipodb
