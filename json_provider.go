package quipodb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/adrianmcphee/quipodb/internal/codec"
	"github.com/adrianmcphee/quipodb/internal/jsonfile"
)

// JSONProvider keeps every collection in one JSON file. Changes are held in
// memory until Flush or Close unless autosave is enabled.
type JSONProvider struct {
	mem      *MemoryProvider
	file     *jsonfile.File
	autosave bool

	mu    sync.Mutex
	dirty bool
}

// JSONOption configures a JSONProvider.
type JSONOption func(*jsonConfig) error

type jsonConfig struct {
	autosave bool
	fileOpts []jsonfile.Option
}

// WithAutosave writes the file after every change.
func WithAutosave() JSONOption {
	return func(c *jsonConfig) error {
		c.autosave = true
		return nil
	}
}

// WithCompression compresses the file with "none", "snappy", "lz4" or "zstd".
func WithCompression(name string) JSONOption {
	return func(c *jsonConfig) error {
		t, err := codec.Parse(name)
		if err != nil {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "compression",
				"value":  name,
				"reason": err.Error(),
			})
		}
		c.fileOpts = append(c.fileOpts, jsonfile.WithCompression(t))
		return nil
	}
}

type jsonFileData struct {
	Collections map[string]jsonCollection `json:"collections"`
}

type jsonCollection struct {
	PrimaryKey string     `json:"primary_key,omitempty"`
	Docs       []Document `json:"docs"`
}

// NewJSONProvider opens the file at path, loading its collections when it
// exists.
func NewJSONProvider(ctx context.Context, path string, opts ...JSONOption) (*JSONProvider, error) {
	if path == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "path",
			"reason": "json provider requires a file path",
		})
	}

	cfg := jsonConfig{fileOpts: []jsonfile.Option{jsonfile.WithPermissions(DefaultFilePermissions)}}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	p := &JSONProvider{
		mem:      NewMemoryProvider(),
		file:     jsonfile.New(path, cfg.fileOpts...),
		autosave: cfg.autosave,
	}
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *JSONProvider) load(ctx context.Context) error {
	data, err := p.file.Read(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var stored jsonFileData
	if err := json.Unmarshal(data, &stored); err != nil {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"path":  p.file.Path(),
			"error": err.Error(),
		})
	}
	for name, c := range stored.Collections {
		p.mem.collections[name] = &memCollection{
			spec: CollectionSpec{Name: name, PrimaryKey: c.PrimaryKey},
			docs: c.Docs,
		}
	}
	return nil
}

func (p *JSONProvider) Name() string { return "json" }

// Path returns the data file path.
func (p *JSONProvider) Path() string { return p.file.Path() }

func (p *JSONProvider) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	return p.changed(ctx, p.mem.CreateCollection(ctx, spec))
}

func (p *JSONProvider) DeleteCollection(ctx context.Context, name string) error {
	return p.changed(ctx, p.mem.DeleteCollection(ctx, name))
}

func (p *JSONProvider) Collections(ctx context.Context) ([]string, error) {
	return p.mem.Collections(ctx)
}

func (p *JSONProvider) GetCollection(ctx context.Context, name string) ([]Document, error) {
	return p.mem.GetCollection(ctx, name)
}

func (p *JSONProvider) CreateDoc(ctx context.Context, collection string, doc Document) error {
	return p.changed(ctx, p.mem.CreateDoc(ctx, collection, doc))
}

func (p *JSONProvider) GetDoc(ctx context.Context, collection string, match Document) (Document, error) {
	return p.mem.GetDoc(ctx, collection, match)
}

func (p *JSONProvider) UpdateDoc(ctx context.Context, collection string, ref, doc Document) error {
	return p.changed(ctx, p.mem.UpdateDoc(ctx, collection, ref, doc))
}

func (p *JSONProvider) DeleteDoc(ctx context.Context, collection string, match Document) error {
	return p.changed(ctx, p.mem.DeleteDoc(ctx, collection, match))
}

// changed marks the file dirty after a successful change and writes it
// when autosave is on.
func (p *JSONProvider) changed(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
	if p.autosave {
		return p.Flush(ctx)
	}
	return nil
}

// Flush writes pending changes to the file.
func (p *JSONProvider) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty {
		return nil
	}

	data, err := p.snapshot()
	if err != nil {
		return err
	}
	if _, err := p.file.Write(ctx, data); err != nil {
		return fmt.Errorf("flush %s: %w", p.file.Path(), err)
	}
	p.dirty = false
	return nil
}

func (p *JSONProvider) snapshot() ([]byte, error) {
	p.mem.mu.RLock()
	defer p.mem.mu.RUnlock()

	out := jsonFileData{Collections: make(map[string]jsonCollection, len(p.mem.collections))}
	for name, c := range p.mem.collections {
		docs := c.docs
		if docs == nil {
			docs = []Document{}
		}
		out.Collections[name] = jsonCollection{PrimaryKey: c.spec.PrimaryKey, Docs: docs}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return data, nil
}

// Close flushes pending changes.
func (p *JSONProvider) Close() error {
	return p.Flush(context.Background())
}
