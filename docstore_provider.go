package quipodb

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"gocloud.dev/docstore"
	"gocloud.dev/gcerrors"
)

// collectionPlaceholder is replaced by the collection name in docstore URLs.
const collectionPlaceholder = "{collection}"

// Field names of the stored envelope. Documents are kept under docField so
// their own fields never clash with the key or the ordering sequence.
const (
	docstoreKeyField = "_key"
	docstoreSeqField = "_seq"
	docstoreDocField = "doc"
	docstorePKField  = "primary_key"

	// DocstoreRegistryCollection lists the collections of a DocstoreProvider.
	DocstoreRegistryCollection = "quipodb_collections"
)

// DocstoreProvider stores collections in any gocloud.dev/docstore backend:
// Firestore, MongoDB, DynamoDB or the in-memory driver.
//
// Collections are opened from a URL template in which "{collection}" is
// replaced by the collection name, for example
//
//	mem://{collection}/_key
//	firestore://projects/my-project/databases/(default)/documents/{collection}?name_field=_key
//
// The backend must key documents by the "_key" field. The driver package
// has to be imported by the program, e.g. gocloud.dev/docstore/memdocstore.
type DocstoreProvider struct {
	template string
	registry *docstore.Collection

	mu          sync.Mutex
	collections map[string]*docstore.Collection
	seq         atomic.Int64
}

// NewDocstoreProvider opens the collection registry using urlTemplate.
func NewDocstoreProvider(ctx context.Context, urlTemplate string) (*DocstoreProvider, error) {
	if !strings.Contains(urlTemplate, collectionPlaceholder) {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "url",
			"value":  urlTemplate,
			"reason": "docstore URL must contain {collection}",
		})
	}
	p := &DocstoreProvider{
		template:    urlTemplate,
		collections: make(map[string]*docstore.Collection),
	}
	p.seq.Store(time.Now().UnixNano())

	registry, err := p.open(ctx, DocstoreRegistryCollection)
	if err != nil {
		return nil, err
	}
	p.registry = registry
	return p, nil
}

func (p *DocstoreProvider) Name() string { return "docstore" }

func (p *DocstoreProvider) open(ctx context.Context, name string) (*docstore.Collection, error) {
	coll, err := docstore.OpenCollection(ctx, strings.ReplaceAll(p.template, collectionPlaceholder, name))
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":      "url",
			"collection": name,
			"error":      err.Error(),
		})
	}
	return coll, nil
}

// nextSeq returns a sequence number greater than every earlier one.
func (p *DocstoreProvider) nextSeq() int64 {
	for {
		last := p.seq.Load()
		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if p.seq.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (p *DocstoreProvider) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	entry := map[string]interface{}{
		docstoreKeyField: spec.Name,
		docstorePKField:  spec.PrimaryKey,
		docstoreSeqField: p.nextSeq(),
	}
	if err := p.registry.Put(ctx, entry); err != nil {
		return mapDocstoreError(err)
	}
	_, err := p.collection(ctx, spec.Name)
	return err
}

func (p *DocstoreProvider) DeleteCollection(ctx context.Context, name string) error {
	if _, err := p.spec(ctx, name); err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return nil
		}
		return err
	}
	coll, err := p.collection(ctx, name)
	if err != nil {
		return err
	}

	entries, err := p.scan(ctx, coll)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		actions := coll.Actions()
		for _, e := range entries {
			actions.Delete(map[string]interface{}{docstoreKeyField: e.key})
		}
		if err := actions.Do(ctx); err != nil {
			return mapDocstoreError(err)
		}
	}

	p.mu.Lock()
	delete(p.collections, name)
	p.mu.Unlock()
	if err := coll.Close(); err != nil {
		return err
	}

	err = p.registry.Delete(ctx, map[string]interface{}{docstoreKeyField: name})
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return mapDocstoreError(err)
}

func (p *DocstoreProvider) Collections(ctx context.Context) ([]string, error) {
	iter := p.registry.Query().Get(ctx)
	defer iter.Stop()

	var names []string
	for {
		entry := map[string]interface{}{}
		err := iter.Next(ctx, entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, mapDocstoreError(err)
		}
		if name, ok := entry[docstoreKeyField].(string); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// spec looks up the registry entry of a collection.
func (p *DocstoreProvider) spec(ctx context.Context, name string) (CollectionSpec, error) {
	entry := map[string]interface{}{docstoreKeyField: name}
	if err := p.registry.Get(ctx, entry); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return CollectionSpec{}, collectionNotFound(p.Name(), name)
		}
		return CollectionSpec{}, mapDocstoreError(err)
	}
	pk, _ := entry[docstorePKField].(string)
	return CollectionSpec{Name: name, PrimaryKey: pk}, nil
}

// collection returns the open handle of a registered collection.
func (p *DocstoreProvider) collection(ctx context.Context, name string) (*docstore.Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if coll, ok := p.collections[name]; ok {
		return coll, nil
	}
	coll, err := p.open(ctx, name)
	if err != nil {
		return nil, err
	}
	p.collections[name] = coll
	return coll, nil
}

func (p *DocstoreProvider) handle(ctx context.Context, name string) (*docstore.Collection, CollectionSpec, error) {
	spec, err := p.spec(ctx, name)
	if err != nil {
		return nil, spec, err
	}
	coll, err := p.collection(ctx, name)
	return coll, spec, err
}

func (p *DocstoreProvider) GetCollection(ctx context.Context, name string) ([]Document, error) {
	coll, _, err := p.handle(ctx, name)
	if err != nil {
		return nil, err
	}
	entries, err := p.scan(ctx, coll)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(entries))
	for i, e := range entries {
		docs[i] = e.doc
	}
	return docs, nil
}

func (p *DocstoreProvider) CreateDoc(ctx context.Context, collection string, doc Document) error {
	coll, spec, err := p.handle(ctx, collection)
	if err != nil {
		return err
	}
	key := NewID()
	seq := p.nextSeq()
	if spec.PrimaryKey != "" {
		if key, err = encodeKey(spec.PrimaryKey, doc); err != nil {
			return err
		}
		// A replaced document keeps its position.
		existing := map[string]interface{}{docstoreKeyField: key}
		if err := coll.Get(ctx, existing, docstoreSeqField); err == nil {
			if s, ok := toNumber(existing[docstoreSeqField]); ok {
				seq = int64(s)
			}
		}
	}
	return p.put(ctx, coll, key, seq, doc)
}

func (p *DocstoreProvider) put(ctx context.Context, coll *docstore.Collection, key string, seq int64, doc Document) error {
	norm, err := normalize(doc)
	if err != nil {
		return err
	}
	envelope := map[string]interface{}{
		docstoreKeyField: key,
		docstoreSeqField: seq,
		docstoreDocField: map[string]interface{}(norm),
	}
	return mapDocstoreError(coll.Put(ctx, envelope))
}

func (p *DocstoreProvider) GetDoc(ctx context.Context, collection string, match Document) (Document, error) {
	coll, spec, err := p.handle(ctx, collection)
	if err != nil {
		return nil, err
	}
	e, err := p.find(ctx, coll, spec, match)
	if err != nil {
		return nil, err
	}
	return e.doc, nil
}

func (p *DocstoreProvider) UpdateDoc(ctx context.Context, collection string, ref, doc Document) error {
	coll, spec, err := p.handle(ctx, collection)
	if err != nil {
		return err
	}
	e, err := p.find(ctx, coll, spec, keyMatch(spec.PrimaryKey, ref))
	if err != nil {
		return err
	}

	key := e.key
	if spec.PrimaryKey != "" {
		if key, err = encodeKey(spec.PrimaryKey, doc); err != nil {
			return err
		}
	}
	if key != e.key {
		if err := coll.Delete(ctx, map[string]interface{}{docstoreKeyField: e.key}); err != nil {
			return mapDocstoreError(err)
		}
	}
	return p.put(ctx, coll, key, e.seq, doc)
}

func (p *DocstoreProvider) DeleteDoc(ctx context.Context, collection string, match Document) error {
	coll, spec, err := p.handle(ctx, collection)
	if err != nil {
		return err
	}
	e, err := p.find(ctx, coll, spec, match)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = coll.Delete(ctx, map[string]interface{}{docstoreKeyField: e.key})
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return mapDocstoreError(err)
}

// Close closes every opened collection and the registry.
func (p *DocstoreProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for name, coll := range p.collections {
		errs = multierr.Append(errs, coll.Close())
		delete(p.collections, name)
	}
	return multierr.Append(errs, p.registry.Close())
}

type docstoreEntry struct {
	key string
	seq int64
	doc Document
}

func (p *DocstoreProvider) find(ctx context.Context, coll *docstore.Collection, spec CollectionSpec, match Document) (docstoreEntry, error) {
	if v, ok := match[spec.PrimaryKey]; ok && spec.PrimaryKey != "" && v != nil {
		key, err := encodeKey(spec.PrimaryKey, match)
		if err != nil {
			return docstoreEntry{}, err
		}
		envelope := map[string]interface{}{docstoreKeyField: key}
		if err := coll.Get(ctx, envelope); err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				return docstoreEntry{}, ErrNotFound
			}
			return docstoreEntry{}, mapDocstoreError(err)
		}
		e, err := unwrapEnvelope(envelope)
		if err != nil {
			return docstoreEntry{}, err
		}
		if !e.doc.Contains(match) {
			return docstoreEntry{}, ErrNotFound
		}
		return e, nil
	}

	entries, err := p.scan(ctx, coll)
	if err != nil {
		return docstoreEntry{}, err
	}
	for _, e := range entries {
		if e.doc.Contains(match) {
			return e, nil
		}
	}
	return docstoreEntry{}, ErrNotFound
}

// scan reads every document and orders them by insertion sequence. The
// ordering happens here because not every backend can sort a full scan.
func (p *DocstoreProvider) scan(ctx context.Context, coll *docstore.Collection) ([]docstoreEntry, error) {
	iter := coll.Query().Get(ctx)
	defer iter.Stop()

	var entries []docstoreEntry
	for {
		envelope := map[string]interface{}{}
		err := iter.Next(ctx, envelope)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, mapDocstoreError(err)
		}
		e, err := unwrapEnvelope(envelope)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries, nil
}

func unwrapEnvelope(envelope map[string]interface{}) (docstoreEntry, error) {
	key, _ := envelope[docstoreKeyField].(string)
	seq, _ := toNumber(envelope[docstoreSeqField])
	inner, ok := asMap(envelope[docstoreDocField])
	if !ok {
		inner = map[string]any{}
	}
	doc, err := normalize(Document(inner))
	if err != nil {
		return docstoreEntry{}, err
	}
	return docstoreEntry{key: key, seq: int64(seq), doc: doc}, nil
}

func mapDocstoreError(err error) error {
	if err == nil {
		return nil
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return ErrNotFound
	case gcerrors.PermissionDenied:
		return WithContext(ErrUnauthorized, map[string]interface{}{"error": err.Error()})
	case gcerrors.ResourceExhausted, gcerrors.Internal:
		return WithContext(ErrBackendUnavailable, map[string]interface{}{"error": err.Error()})
	case gcerrors.DeadlineExceeded:
		return WithContext(ErrTimeout, map[string]interface{}{"error": err.Error()})
	case gcerrors.InvalidArgument:
		return WithContext(ErrInvalidData, map[string]interface{}{"error": err.Error()})
	default:
		return err
	}
}
