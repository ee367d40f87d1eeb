package quipodb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProvider wraps a MemoryProvider and records UpdateDoc calls.
type recordingProvider struct {
	*MemoryProvider
	name string

	mu      sync.Mutex
	updates []Revision
}

func newRecordingProvider(name string) *recordingProvider {
	return &recordingProvider{MemoryProvider: NewMemoryProvider(), name: name}
}

func (r *recordingProvider) Name() string { return r.name }

func (r *recordingProvider) UpdateDoc(ctx context.Context, collection string, ref, doc Document) error {
	r.mu.Lock()
	r.updates = append(r.updates, Revision{Old: ref.Clone(), New: doc.Clone()})
	r.mu.Unlock()
	return r.MemoryProvider.UpdateDoc(ctx, collection, ref, doc)
}

func (r *recordingProvider) updateCalls() []Revision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Revision(nil), r.updates...)
}

// failingProvider fails every document operation.
type failingProvider struct {
	*MemoryProvider
	err error
}

func (f *failingProvider) Name() string { return "failing" }

func (f *failingProvider) CreateDoc(ctx context.Context, collection string, doc Document) error {
	return f.err
}

func (f *failingProvider) UpdateDoc(ctx context.Context, collection string, ref, doc Document) error {
	return f.err
}

func (f *failingProvider) DeleteDoc(ctx context.Context, collection string, match Document) error {
	return f.err
}

func (f *failingProvider) GetCollection(ctx context.Context, name string) ([]Document, error) {
	return nil, f.err
}

func (f *failingProvider) GetDoc(ctx context.Context, collection string, match Document) (Document, error) {
	return nil, f.err
}

type pkProvider struct {
	*MemoryProvider
}

func (pkProvider) RequiresPrimaryKey() bool { return true }

func newTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(WithProvider(nil))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(WithProvider(NewMemoryProvider()), WithTTLSweep(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCreateCollectionValidation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithProvider(pkProvider{NewMemoryProvider()}))

	_, err := db.CreateCollection(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = db.CreateCollection(ctx, "users")
	assert.ErrorIs(t, err, ErrMissingPrimaryKey)

	users, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
	require.NoError(t, err)
	assert.Equal(t, "users", users.Name())
	assert.Equal(t, "id", users.PrimaryKey())

	again, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
	require.NoError(t, err)
	assert.Same(t, users, again)

	got, err := db.Collection("users")
	require.NoError(t, err)
	assert.Same(t, users, got)

	_, err = db.Collection("orders")
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestBalanceScenario(t *testing.T) {
	for _, cached := range []bool{false, true} {
		name := "uncached"
		opts := []Option{WithProvider(NewMemoryProvider())}
		if cached {
			name = "cached"
			opts = append(opts, WithCache())
		}

		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db := newTestDB(t, opts...)

			users, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
			require.NoError(t, err)

			_, err = users.CreateDoc(ctx, Document{"id": 1, "balance": 100})
			require.NoError(t, err)

			updated, err := users.UpdateDoc(ctx, Document{"id": 1}, Document{"$add": Document{"balance": 50}})
			require.NoError(t, err)
			assert.True(t, updated.Equal(Document{"id": 1, "balance": 150}), "got %v", updated)

			stored, err := users.FindDoc(ctx, Document{"id": 1})
			require.NoError(t, err)
			assert.True(t, stored.Equal(Document{"id": 1, "balance": 150}), "got %v", stored)

			raw, err := users.GetRaw(ctx)
			require.NoError(t, err)
			require.Len(t, raw, 1)
			assert.Equal(t, 150.0, raw[0]["balance"])

			require.NoError(t, users.DeleteDoc(ctx, Document{"id": 1}))
			_, err = users.FindDoc(ctx, Document{"id": 1})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCreateDocAssignsPrimaryKey(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithProvider(NewMemoryProvider()))
	users, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
	require.NoError(t, err)

	created, err := users.CreateDoc(ctx, Document{"name": "Ada"}, Document{"id": "fixed", "name": "Grace"})
	require.NoError(t, err)
	require.Len(t, created, 2)

	assert.True(t, IsValidID(created[0]["id"].(string)))
	assert.Equal(t, "fixed", created[1]["id"])

	notes, err := db.CreateCollection(ctx, "notes")
	require.NoError(t, err)
	created, err = notes.CreateDoc(ctx, Document{"text": "hi"})
	require.NoError(t, err)
	assert.NotContains(t, created[0], "id")
}

func TestUpdateDocOperators(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithProvider(NewMemoryProvider()))
	items, err := db.CreateCollection(ctx, "items", WithPrimaryKey("sku"))
	require.NoError(t, err)

	_, err = items.CreateDoc(ctx, Document{
		"sku":   "a1",
		"name":  "widget",
		"price": 10,
		"stock": map[string]any{"warehouse": 5, "store": 2},
		"tags":  []any{"new"},
	})
	require.NoError(t, err)

	updated, err := items.UpdateDoc(ctx, Document{"sku": "a1"}, Document{
		"name":      "gadget",
		"$multiply": Document{"price": 2},
		"$subtract": Document{"stock": map[string]any{"store": 1}},
		"$push":     Document{"tags": []any{"sale"}},
		"$bogus":    Document{"price": 1},
	})
	require.NoError(t, err)

	assert.Equal(t, "gadget", updated["name"])
	assert.Equal(t, 20.0, updated["price"])
	assert.Equal(t, map[string]any{"warehouse": 5.0, "store": 1.0}, updated["stock"])
	assert.Equal(t, []any{"new", "sale"}, updated["tags"])

	viaFunc, err := items.UpdateDocFunc(ctx, Selector(func(docs []Document) Document {
		return docs[0]
	}), func(current Document) Document {
		return Document{"$add": Document{"price": current["price"]}}
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, viaFunc["price"])

	_, err = items.UpdateDoc(ctx, Document{"sku": "missing"}, Document{"name": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDocOperatorsChain(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithProvider(NewMemoryProvider()))
	counters, err := db.CreateCollection(ctx, "counters", WithPrimaryKey("id"))
	require.NoError(t, err)
	_, err = counters.CreateDoc(ctx, Document{"id": "c1", "n": 3})
	require.NoError(t, err)

	updated, err := counters.UpdateDoc(ctx, Document{"id": "c1"}, Document{
		"$add":      Document{"n": 1},
		"$multiply": Document{"n": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 8.0, updated["n"])
}

func TestDivideByZeroIsNotStored(t *testing.T) {
	ctx := context.Background()
	rec := newRecordingProvider("recording")
	db := newTestDB(t, WithProvider(rec))
	counters, err := db.CreateCollection(ctx, "counters", WithPrimaryKey("id"))
	require.NoError(t, err)
	_, err = counters.CreateDoc(ctx, Document{"id": "c1", "n": 4})
	require.NoError(t, err)

	_, err = counters.UpdateDoc(ctx, Document{"id": "c1"}, Document{"$divide": Document{"n": 0}})
	assert.ErrorIs(t, err, ErrInvalidData)

	q, err := counters.QueryCollection(ctx)
	require.NoError(t, err)
	written, err := counters.SaveQuery(ctx, q.Where("n").Divide(0).Save())
	assert.ErrorIs(t, err, ErrInvalidData)
	assert.Zero(t, written)

	assert.Empty(t, rec.updateCalls())
	stored, err := counters.FindDoc(ctx, Document{"id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, 4.0, stored["n"])
}

func TestSaveQueryWritesOnlyChanges(t *testing.T) {
	ctx := context.Background()
	rec := newRecordingProvider("recording")
	db := newTestDB(t, WithProvider(rec))
	people, err := db.CreateCollection(ctx, "people", WithPrimaryKey("id"))
	require.NoError(t, err)

	_, err = people.CreateDoc(ctx, Document{"id": 1, "age": 17}, Document{"id": 2, "age": 40})
	require.NoError(t, err)

	q, err := people.QueryCollection(ctx)
	require.NoError(t, err)
	revs := q.Where("age").Lt(18).Update(18).Save()
	assert.Equal(t, []Document{{"id": 1.0, "age": 18.0}}, revs.Documents())

	written, err := people.SaveQuery(ctx, revs)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	calls := rec.updateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, Document{"id": 1.0, "age": 17.0}, calls[0].Old)
	assert.Equal(t, Document{"id": 1.0, "age": 18.0}, calls[0].New)

	unchanged, err := people.QueryCollection(ctx)
	require.NoError(t, err)
	written, err = people.SaveQuery(ctx, unchanged.Save())
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Len(t, rec.updateCalls(), 1)

	stored, err := people.FindDoc(ctx, Document{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, 18.0, stored["age"])
}

func TestSaveQueryPersistsDeletedFields(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithProvider(NewMemoryProvider()), WithCache())
	people, err := db.CreateCollection(ctx, "people", WithPrimaryKey("id"))
	require.NoError(t, err)
	_, err = people.CreateDoc(ctx, Document{"id": "p1", "email": "old@example.com"})
	require.NoError(t, err)

	q, err := people.QueryCollection(ctx)
	require.NoError(t, err)
	_, err = people.SaveQuery(ctx, q.Where("email").Delete().Save())
	require.NoError(t, err)

	raw, err := people.GetRaw(ctx)
	require.NoError(t, err)
	assert.NotContains(t, raw[0], "email")

	cached, err := people.FindDoc(ctx, Document{"id": "p1"})
	require.NoError(t, err)
	assert.NotContains(t, cached, "email")
}

func TestFanOutSurvivesProviderFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")
	healthy := NewMemoryProvider()
	metrics := NewInMemoryMetrics()
	db := newTestDB(t,
		WithProvider(&failingProvider{MemoryProvider: NewMemoryProvider(), err: boom}),
		WithProvider(healthy),
		WithMetrics(metrics),
	)

	users, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
	require.NoError(t, err)

	created, err := users.CreateDoc(ctx, Document{"id": "u1", "n": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, created, 1, "best-effort result is still returned")

	pes := ProviderErrors(err)
	require.Len(t, pes, 1)
	assert.Equal(t, "failing", pes[0].Provider)
	assert.Equal(t, "createDoc", pes[0].Op)

	docs, err := healthy.GetCollection(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, docs, 1, "healthy provider still received the write")

	// Reads fall through to the next provider.
	doc, err := users.FindDoc(ctx, Document{"id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", doc["id"])

	assert.Positive(t, metrics.Counter(MetricProviderErrors))
}

func TestAllProvidersFailing(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("down")
	db := newTestDB(t, WithProvider(&failingProvider{MemoryProvider: NewMemoryProvider(), err: boom}), WithCache())

	users, err := db.CreateCollection(ctx, "users")
	require.Error(t, err, "cache warm-up read fails")
	require.NotNil(t, users)

	created, err := users.CreateDoc(ctx, Document{"n": 1})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, created)

	_, err = users.FindDoc(ctx, Document{"n": 1})
	assert.ErrorIs(t, err, boom, "a failed write must not reach the cache")
}

func TestCacheServesReads(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	metrics := NewInMemoryMetrics()
	db := newTestDB(t, WithProvider(provider), WithCache(), WithMetrics(metrics))

	users, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
	require.NoError(t, err)
	_, err = users.CreateDoc(ctx, Document{"id": "u1", "name": "Ada"})
	require.NoError(t, err)

	// Change the provider behind the cache's back.
	require.NoError(t, provider.UpdateDoc(ctx, "users", Document{"id": "u1"}, Document{"id": "u1", "name": "Stale"}))

	doc, err := users.FindDoc(ctx, Document{"id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", doc["name"], "cache answers first")
	assert.Equal(t, 1, metrics.Counter(MetricCacheHits))

	_, err = users.FindDoc(ctx, Document{"id": "u2"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, metrics.Counter(MetricCacheMisses))
}

func TestCacheWarmsFromProvider(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	require.NoError(t, provider.CreateCollection(ctx, CollectionSpec{Name: "users", PrimaryKey: "id"}))
	require.NoError(t, provider.CreateDoc(ctx, "users", Document{"id": "u1"}))

	db := newTestDB(t, WithProvider(provider), WithCache())
	_, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
	require.NoError(t, err)
	assert.Equal(t, 1, db.cache.Len("users"))
}

func TestDeleteDocSelector(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithProvider(NewMemoryProvider()), WithCache())
	scores, err := db.CreateCollection(ctx, "scores", WithPrimaryKey("id"))
	require.NoError(t, err)
	_, err = scores.CreateDoc(ctx, Document{"id": "a", "score": 3}, Document{"id": "b", "score": 9}, Document{"id": "c", "score": 5})
	require.NoError(t, err)

	highest := Selector(func(docs []Document) Document {
		var best Document
		for _, d := range docs {
			if best == nil || d["score"].(float64) > best["score"].(float64) {
				best = d
			}
		}
		return best
	})

	found, err := scores.FindDoc(ctx, highest)
	require.NoError(t, err)
	assert.Equal(t, "b", found["id"])

	require.NoError(t, scores.DeleteDoc(ctx, highest))
	found, err = scores.FindDoc(ctx, highest)
	require.NoError(t, err)
	assert.Equal(t, "c", found["id"])

	err = scores.DeleteDoc(ctx, Selector(func([]Document) Document { return nil }))
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := scores.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestHasDoc(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithProvider(NewMemoryProvider()))
	users, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
	require.NoError(t, err)
	_, err = users.CreateDoc(ctx, Document{"id": "u1"})
	require.NoError(t, err)

	ok, err := users.HasDoc(ctx, Document{"id": "u1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = users.HasDoc(ctx, Document{"id": "u2"})
	require.NoError(t, err)
	assert.False(t, ok)

	broken := newTestDB(t, WithProvider(&failingProvider{MemoryProvider: NewMemoryProvider(), err: ErrBackendUnavailable}))
	docs, err := broken.CreateCollection(ctx, "users")
	require.NoError(t, err)
	ok, err = docs.HasDoc(ctx, Document{"id": "u1"})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.False(t, ok)
}

func TestUpdateRaw(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithProvider(NewMemoryProvider()), WithCache())
	users, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
	require.NoError(t, err)
	_, err = users.CreateDoc(ctx, Document{"id": "u1", "email": "a@example.com", "nick": "ada"})
	require.NoError(t, err)

	raw, err := users.UpdateRaw(ctx, Document{"id": "u1"})
	require.NoError(t, err)
	raw.Doc["email"] = "ada@example.com"
	delete(raw.Doc, "nick")
	require.NoError(t, raw.Save(ctx))

	raw.Doc["email"] = "again@example.com"
	require.NoError(t, raw.Save(ctx))

	docs, err := users.GetRaw(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, Document{"id": "u1", "email": "again@example.com"}, docs[0])
}

func TestFindInto(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithProvider(NewMemoryProvider()))
	users, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
	require.NoError(t, err)
	_, err = users.CreateDoc(ctx, Document{"id": "u1", "age": 30})
	require.NoError(t, err)

	var user struct {
		ID  string `json:"id"`
		Age int    `json:"age"`
	}
	require.NoError(t, users.FindInto(ctx, Document{"id": "u1"}, &user))
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, 30, user.Age)
}

func TestDeleteCollection(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	db := newTestDB(t, WithProvider(provider), WithCache())

	users, err := db.CreateCollection(ctx, "users")
	require.NoError(t, err)
	_, err = users.CreateDoc(ctx, Document{"n": 1})
	require.NoError(t, err)

	names, err := db.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, names)

	require.NoError(t, db.DeleteCollection(ctx, "users"))

	names, err = db.Collections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
	_, err = db.Collection("users")
	assert.ErrorIs(t, err, ErrCollectionNotFound)
	_, ok := db.cache.Snapshot("users")
	assert.False(t, ok)
}

func TestCloseIsFinal(t *testing.T) {
	ctx := context.Background()
	db, err := New(WithProvider(NewMemoryProvider()))
	require.NoError(t, err)
	users, err := db.CreateCollection(ctx, "users")
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = users.CreateDoc(ctx, Document{"n": 1})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.CreateCollection(ctx, "orders")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCircuitBreakerOpensPerProvider(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("unreachable")
	flaky := &failingProvider{MemoryProvider: NewMemoryProvider(), err: boom}
	metrics := NewInMemoryMetrics()
	db := newTestDB(t,
		WithProvider(NewMemoryProvider()),
		WithProvider(flaky),
		WithCircuitBreaker(2, time.Minute),
		WithMetrics(metrics),
	)

	users, err := db.CreateCollection(ctx, "users", WithPrimaryKey("id"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = users.CreateDoc(ctx, Document{"n": i})
		require.Error(t, err)
	}

	assert.ErrorIs(t, err, ErrBackendUnavailable, "third write should fail fast")
	assert.Equal(t, BreakerOpen, db.breakers[1].State())
	assert.Equal(t, BreakerClosed, db.breakers[0].State())
	assert.Equal(t, 1, metrics.Counter(MetricCircuitOpen))

	count, err := users.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSweepRemovesExpired(t *testing.T) {
	for _, cached := range []bool{false, true} {
		opts := []Option{WithProvider(NewMemoryProvider())}
		if cached {
			opts = append(opts, WithCache())
		}
		db := newTestDB(t, opts...)
		ctx := context.Background()

		sessions, err := db.CreateCollection(ctx, "sessions", WithPrimaryKey("id"))
		require.NoError(t, err)

		now := time.Now()
		_, err = sessions.CreateDoc(ctx,
			Document{"id": "old", "ttl": now.Add(-time.Minute).UnixMilli()},
			Document{"id": "new", "ttl": now.Add(time.Hour).UnixMilli()},
			Document{"id": "forever"},
		)
		require.NoError(t, err)

		removed, err := db.Sweep(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		docs, err := sessions.GetRaw(ctx)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
		_, err = sessions.FindDoc(ctx, Document{"id": "old"})
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestTTLSweepRunsInBackground(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithProvider(NewMemoryProvider()), WithCache(), WithTTLSweep(10*time.Millisecond))
	sessions, err := db.CreateCollection(ctx, "sessions", WithPrimaryKey("id"))
	require.NoError(t, err)

	_, err = sessions.CreateDoc(ctx, Document{"id": "s1", "ttl": time.Now().Add(20 * time.Millisecond).UnixMilli()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := sessions.Count(ctx)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
}

type flushingProvider struct {
	*MemoryProvider
	flushed int
}

func (f *flushingProvider) Flush(ctx context.Context) error {
	f.flushed++
	return nil
}

func TestFlushAndClose(t *testing.T) {
	fp := &flushingProvider{MemoryProvider: NewMemoryProvider()}
	db, err := New(WithProvider(fp), WithProvider(NewMemoryProvider()))
	require.NoError(t, err)

	require.NoError(t, db.Flush(context.Background()))
	assert.Equal(t, 1, fp.flushed)

	require.NoError(t, db.Close())
	assert.Equal(t, 2, fp.flushed, "close flushes")
}
