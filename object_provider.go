package quipodb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	objectMarker    = "_collection.json"
	objectDocSuffix = ".json"
)

// ObjectProvider stores each document as a JSON object in a Backend.
//
// Layout:
//
//	<collection>/_collection.json   collection marker with the primary key
//	<collection>/<uuidv7>.json      one object per document
//
// Document keys are time-ordered IDs, so listing a collection yields
// insertion order. Writes to one collection are serialized in-process;
// concurrent writers in other processes are not coordinated.
type ObjectProvider struct {
	backend Backend
	locks   *StripedLocks
}

type objectMarkerData struct {
	Name       string `json:"name"`
	PrimaryKey string `json:"primary_key,omitempty"`
}

type objectEntry struct {
	key string
	doc Document
}

// NewObjectProvider creates a provider over backend. The provider owns the
// backend and closes it on Close.
func NewObjectProvider(backend Backend) *ObjectProvider {
	return &ObjectProvider{
		backend: backend,
		locks:   NewStripedLocks(32),
	}
}

func (o *ObjectProvider) Name() string { return "objects" }

// Ping checks the underlying backend.
func (o *ObjectProvider) Ping(ctx context.Context) error {
	return o.backend.Ping(ctx)
}

func (o *ObjectProvider) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	if strings.Contains(spec.Name, "/") {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"collection": spec.Name,
			"reason":     "collection name must not contain '/'",
		})
	}
	unlock := o.locks.Lock(spec.Name)
	defer unlock()

	data, err := json.Marshal(objectMarkerData{Name: spec.Name, PrimaryKey: spec.PrimaryKey})
	if err != nil {
		return err
	}
	return o.backend.Put(ctx, markerKey(spec.Name), data)
}

func (o *ObjectProvider) DeleteCollection(ctx context.Context, name string) error {
	unlock := o.locks.Lock(name)
	defer unlock()

	keys, err := o.backend.List(ctx, name+"/")
	if err != nil {
		return err
	}
	// Documents first, so an interrupted delete leaves a visible collection.
	marker := markerKey(name)
	for _, key := range keys {
		if key == marker {
			continue
		}
		if err := o.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return o.backend.Delete(ctx, marker)
}

func (o *ObjectProvider) Collections(ctx context.Context) ([]string, error) {
	keys, err := o.backend.List(ctx, "")
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, key := range keys {
		if name, ok := strings.CutSuffix(key, "/"+objectMarker); ok && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (o *ObjectProvider) GetCollection(ctx context.Context, name string) ([]Document, error) {
	unlock := o.locks.RLock(name)
	defer unlock()

	entries, _, err := o.load(ctx, name)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(entries))
	for i, e := range entries {
		docs[i] = e.doc
	}
	return docs, nil
}

func (o *ObjectProvider) CreateDoc(ctx context.Context, collection string, doc Document) error {
	unlock := o.locks.Lock(collection)
	defer unlock()

	if _, err := o.marker(ctx, collection); err != nil {
		return err
	}
	data, err := doc.marshal()
	if err != nil {
		return err
	}
	return o.backend.Put(ctx, collection+"/"+NewID()+objectDocSuffix, data)
}

func (o *ObjectProvider) GetDoc(ctx context.Context, collection string, match Document) (Document, error) {
	unlock := o.locks.RLock(collection)
	defer unlock()

	entries, _, err := o.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.doc.Contains(match) {
			return e.doc, nil
		}
	}
	return nil, ErrNotFound
}

func (o *ObjectProvider) UpdateDoc(ctx context.Context, collection string, ref, doc Document) error {
	unlock := o.locks.Lock(collection)
	defer unlock()

	entries, spec, err := o.load(ctx, collection)
	if err != nil {
		return err
	}
	match := keyMatch(spec.PrimaryKey, ref)
	for _, e := range entries {
		if !e.doc.Contains(match) {
			continue
		}
		data, err := doc.marshal()
		if err != nil {
			return err
		}
		return o.backend.Put(ctx, e.key, data)
	}
	return ErrNotFound
}

func (o *ObjectProvider) DeleteDoc(ctx context.Context, collection string, match Document) error {
	unlock := o.locks.Lock(collection)
	defer unlock()

	entries, _, err := o.load(ctx, collection)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.doc.Contains(match) {
			return o.backend.Delete(ctx, e.key)
		}
	}
	return nil
}

func (o *ObjectProvider) Close() error {
	return o.backend.Close()
}

func (o *ObjectProvider) marker(ctx context.Context, name string) (CollectionSpec, error) {
	data, err := o.backend.Get(ctx, markerKey(name))
	if err != nil {
		if IsNotFound(err) {
			return CollectionSpec{}, collectionNotFound(o.Name(), name)
		}
		return CollectionSpec{}, err
	}
	var m objectMarkerData
	if err := json.Unmarshal(data, &m); err != nil {
		return CollectionSpec{}, WithContext(ErrInvalidData, map[string]interface{}{
			"key":   markerKey(name),
			"error": err.Error(),
		})
	}
	return CollectionSpec{Name: name, PrimaryKey: m.PrimaryKey}, nil
}

// load reads every document of a collection in key order.
func (o *ObjectProvider) load(ctx context.Context, name string) ([]objectEntry, CollectionSpec, error) {
	spec, err := o.marker(ctx, name)
	if err != nil {
		return nil, spec, err
	}
	keys, err := o.backend.List(ctx, name+"/")
	if err != nil {
		return nil, spec, err
	}
	sort.Strings(keys)

	entries := make([]objectEntry, 0, len(keys))
	marker := markerKey(name)
	for _, key := range keys {
		if key == marker || !strings.HasSuffix(key, objectDocSuffix) {
			continue
		}
		data, err := o.backend.Get(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, spec, err
		}
		doc, err := decodeDocument(data)
		if err != nil {
			return nil, spec, err
		}
		entries = append(entries, objectEntry{key: key, doc: doc})
	}
	return entries, spec, nil
}

func markerKey(collection string) string {
	return collection + "/" + objectMarker
}
