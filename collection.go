package quipodb

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

// Matcher identifies a document for FindDoc, UpdateDoc and DeleteDoc.
// It is either a Document, matching every document that contains all of
// its fields with equal values, or a Selector.
type Matcher interface {
	isMatcher()
}

// Selector picks a document out of the full collection contents. It
// returns nil when nothing should be selected.
type Selector func(docs []Document) Document

func (Document) isMatcher() {}
func (Selector) isMatcher() {}

// Docs is the handle of one collection. It is safe for concurrent use.
type Docs struct {
	db   *DB
	spec CollectionSpec
}

// Name returns the collection name.
func (d *Docs) Name() string { return d.spec.Name }

// PrimaryKey returns the primary key field, or "" when there is none.
func (d *Docs) PrimaryKey() string { return d.spec.PrimaryKey }

// CreateDoc stores each document in every provider and the cache, and
// returns the documents as stored. When the collection has a primary key,
// documents lacking it are given a generated ID.
//
// Duplicate primary keys are handled by each provider: some replace the
// existing document, others keep both.
func (d *Docs) CreateDoc(ctx context.Context, docs ...Document) ([]Document, error) {
	if d.db.isClosed() {
		return nil, ErrClosed
	}

	prepared := make([]Document, 0, len(docs))
	for _, doc := range docs {
		norm, err := normalize(doc)
		if err != nil {
			return nil, err
		}
		if norm == nil {
			norm = Document{}
		}
		if pk := d.spec.PrimaryKey; pk != "" && norm[pk] == nil {
			norm[pk] = NewID()
		}
		prepared = append(prepared, norm)
	}

	var errs error
	created := make([]Document, 0, len(prepared))
	for _, doc := range prepared {
		err := d.db.fanOut(ctx, "createDoc", d.spec.Name, func(ctx context.Context, p Provider) error {
			return p.CreateDoc(ctx, d.spec.Name, doc)
		})
		errs = multierr.Append(errs, err)
		if d.allFailed(err) {
			continue
		}
		if d.db.cache != nil {
			d.db.cache.Append(d.spec.Name, doc)
		}
		created = append(created, doc.Clone())
	}

	d.recordSize()
	return created, errs
}

// FindDoc returns the first document selected by m, looking in the cache
// before the providers. It returns ErrNotFound when nothing matches.
func (d *Docs) FindDoc(ctx context.Context, m Matcher) (Document, error) {
	ctx, done := d.startProfile(ctx, "findDoc")
	doc, err := d.findDoc(ctx, m)
	if doc != nil {
		done(1, err)
	} else {
		done(0, err)
	}
	return doc, err
}

func (d *Docs) findDoc(ctx context.Context, m Matcher) (Document, error) {
	if d.db.isClosed() {
		return nil, ErrClosed
	}

	switch m := m.(type) {
	case Document:
		match, err := normalize(m)
		if err != nil {
			return nil, err
		}
		if doc, ok := d.fromCache(ctx, match); ok {
			return doc, nil
		}
		var doc Document
		err = d.db.readFirst(ctx, "getDoc", d.spec.Name, func(ctx context.Context, p Provider) error {
			var err error
			doc, err = p.GetDoc(ctx, d.spec.Name, match)
			return err
		})
		if err != nil {
			return nil, err
		}
		return doc, nil

	case Selector:
		if d.db.cache != nil {
			if docs, ok := d.db.cache.Snapshot(d.spec.Name); ok {
				if doc := m(docs); doc != nil {
					d.db.metrics.Increment(MetricCacheHits, "collection", d.spec.Name)
					markCacheHit(ctx)
					return doc.Clone(), nil
				}
			}
			d.db.metrics.Increment(MetricCacheMisses, "collection", d.spec.Name)
		}
		docs, err := d.db.readCollection(ctx, d.spec.Name)
		if err != nil {
			return nil, err
		}
		doc := m(docs)
		if doc == nil {
			return nil, ErrNotFound
		}
		return doc.Clone(), nil

	default:
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": "nil matcher"})
	}
}

// FindInto finds a document and decodes it into out.
func (d *Docs) FindInto(ctx context.Context, m Matcher, out interface{}) error {
	doc, err := d.FindDoc(ctx, m)
	if err != nil {
		return err
	}
	return doc.Decode(out)
}

// HasDoc reports whether a document matches m. Provider failures are
// returned as errors, not as false.
func (d *Docs) HasDoc(ctx context.Context, m Matcher) (bool, error) {
	_, err := d.FindDoc(ctx, m)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (d *Docs) fromCache(ctx context.Context, match Document) (Document, bool) {
	if d.db.cache == nil {
		return nil, false
	}
	doc, ok := d.db.cache.Find(d.spec.Name, match)
	if ok {
		d.db.metrics.Increment(MetricCacheHits, "collection", d.spec.Name)
		markCacheHit(ctx)
	} else {
		d.db.metrics.Increment(MetricCacheMisses, "collection", d.spec.Name)
	}
	return doc, ok
}

// DeleteDoc removes the document selected by m from every provider and the
// cache. A Selector is resolved against a fresh read of the collection.
func (d *Docs) DeleteDoc(ctx context.Context, m Matcher) error {
	if d.db.isClosed() {
		return ErrClosed
	}

	var match Document
	switch m := m.(type) {
	case Document:
		norm, err := normalize(m)
		if err != nil {
			return err
		}
		match = norm
	case Selector:
		docs, err := d.db.readCollection(ctx, d.spec.Name)
		if err != nil {
			return err
		}
		if match = m(docs); match == nil {
			return ErrNotFound
		}
	default:
		return WithContext(ErrInvalidData, map[string]interface{}{"reason": "nil matcher"})
	}

	err := d.db.fanOut(ctx, "deleteDoc", d.spec.Name, func(ctx context.Context, p Provider) error {
		return p.DeleteDoc(ctx, d.spec.Name, match)
	})
	if d.db.cache != nil {
		d.db.cache.Remove(d.spec.Name, match)
	}
	d.recordSize()
	return err
}

// UpdateDoc applies data to the document selected by ref and stores the
// result in every provider and the cache.
//
// Plain fields of data overwrite the stored fields. Operator fields
// ($add, $subtract, $multiply, $divide, $push) are applied afterwards, in
// that order. Each operator reads the document produced by the previous
// step, not the stored document, so {"$add": {"n": 1}, "$multiply":
// {"n": 2}} on n=3 gives 8. Fields the operator does not address are
// kept and operands that are not numbers are skipped.
//
// Division by zero yields ±Inf or NaN, which no provider can store: such
// an update fails with ErrInvalidData and nothing is written.
func (d *Docs) UpdateDoc(ctx context.Context, ref Matcher, data Document) (Document, error) {
	return d.UpdateDocFunc(ctx, ref, func(Document) Document { return data })
}

// UpdateDocFunc is UpdateDoc with the update document computed from a copy
// of the stored document.
func (d *Docs) UpdateDocFunc(ctx context.Context, ref Matcher, fn func(current Document) Document) (Document, error) {
	stored, err := d.FindDoc(ctx, ref)
	if err != nil {
		return nil, err
	}

	data, err := normalize(fn(stored.Clone()))
	if err != nil {
		return nil, err
	}

	updated := applyUpdate(stored, data, func(key string, err error) {
		d.db.logger.Debug("skipping update operator",
			"collection", d.spec.Name,
			"operator", key,
			"error", err,
		)
	})
	if pk := d.spec.PrimaryKey; pk != "" && updated[pk] == nil {
		updated[pk] = stored[pk]
	}
	if _, err := normalize(updated); err != nil {
		return nil, err
	}

	if err := d.replace(ctx, stored, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// UpdateRaw returns an editable copy of the document selected by ref.
// Changes are stored when RawDoc.Save is called.
func (d *Docs) UpdateRaw(ctx context.Context, ref Matcher) (*RawDoc, error) {
	stored, err := d.FindDoc(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &RawDoc{Doc: stored.Clone(), docs: d, ref: stored}, nil
}

// RawDoc is an editable document obtained from Docs.UpdateRaw.
type RawDoc struct {
	Doc  Document
	docs *Docs
	ref  Document
}

// Save stores Doc as the new version of the document, replacing it
// entirely. After Save, further edits are relative to the saved version.
func (r *RawDoc) Save(ctx context.Context) error {
	doc, err := normalize(r.Doc)
	if err != nil {
		return err
	}
	err = r.docs.replace(ctx, r.ref, doc)
	if !r.docs.allFailed(err) {
		r.ref = doc.Clone()
	}
	return err
}

// GetRaw returns the whole collection as stored by the first provider
// that answers.
func (d *Docs) GetRaw(ctx context.Context) ([]Document, error) {
	ctx, done := d.startProfile(ctx, "getRaw")
	docs, err := d.getRaw(ctx)
	done(len(docs), err)
	return docs, err
}

func (d *Docs) getRaw(ctx context.Context) ([]Document, error) {
	if d.db.isClosed() {
		return nil, ErrClosed
	}
	return d.db.readCollection(ctx, d.spec.Name)
}

// Count returns the number of documents in the collection.
func (d *Docs) Count(ctx context.Context) (int, error) {
	docs, err := d.GetRaw(ctx)
	return len(docs), err
}

// QueryCollection reads the collection and returns a Query over it.
func (d *Docs) QueryCollection(ctx context.Context) (*Query, error) {
	ctx, done := d.startProfile(ctx, "queryCollection")
	start := time.Now()
	docs, err := d.getRaw(ctx)
	done(len(docs), err)
	if err != nil {
		return nil, err
	}
	d.db.metrics.Timing(MetricQueryDuration, time.Since(start), "collection", d.spec.Name)
	d.db.metrics.Histogram(MetricQueryResults, float64(len(docs)), "collection", d.spec.Name)
	return NewQuery(docs), nil
}

// SaveQuery stores every revision whose document changed and returns how
// many documents were written. Unchanged revisions cause no provider call.
func (d *Docs) SaveQuery(ctx context.Context, revs Revisions) (written int, errs error) {
	if d.db.isClosed() {
		return 0, ErrClosed
	}

	_, done := d.startProfile(ctx, "saveQuery")
	defer func() { done(written, errs) }()

	for _, r := range revs.Changed() {
		doc, err := normalize(r.New)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		err = d.replace(ctx, r.Old, doc)
		errs = multierr.Append(errs, err)
		if !d.allFailed(err) {
			written++
			d.db.metrics.Increment(MetricQueryWrites, "collection", d.spec.Name)
		}
	}

	d.db.logger.Debug("query saved",
		"collection", d.spec.Name,
		"revisions", len(revs),
		"written", written,
	)
	return written, errs
}

// replace swaps old for doc in every provider and the cache.
func (d *Docs) replace(ctx context.Context, old, doc Document) error {
	if d.db.isClosed() {
		return ErrClosed
	}
	err := d.db.fanOut(ctx, "updateDoc", d.spec.Name, func(ctx context.Context, p Provider) error {
		return p.UpdateDoc(ctx, d.spec.Name, old, doc)
	})
	if d.db.cache != nil && !d.allFailed(err) {
		d.db.cache.Replace(d.spec.Name, old, doc)
	}
	return err
}

// expire deletes documents whose TTL field has passed and returns how many
// were removed.
func (d *Docs) expire(ctx context.Context, now time.Time) (int, error) {
	var expired []Document
	if d.db.cache != nil {
		expired = d.db.cache.Expire(d.spec.Name, d.db.ttlField, now)
	} else {
		docs, err := d.db.readCollection(ctx, d.spec.Name)
		if err != nil {
			return 0, err
		}
		for _, doc := range docs {
			if isExpired(doc, d.db.ttlField, now) {
				expired = append(expired, doc)
			}
		}
	}

	var errs error
	for _, doc := range expired {
		errs = multierr.Append(errs, d.db.fanOut(ctx, "deleteDoc", d.spec.Name, func(ctx context.Context, p Provider) error {
			return p.DeleteDoc(ctx, d.spec.Name, doc)
		}))
		d.db.metrics.Increment(MetricTTLExpired, "collection", d.spec.Name)
	}
	if len(expired) > 0 {
		d.recordSize()
	}
	return len(expired), errs
}

func (d *Docs) allFailed(err error) bool {
	return err != nil && len(ProviderErrors(err)) >= len(d.db.providers)
}

func (d *Docs) recordSize() {
	if d.db.cache != nil {
		d.db.metrics.Gauge(MetricCollectionSize, float64(d.db.cache.Len(d.spec.Name)), "collection", d.spec.Name)
	}
}
