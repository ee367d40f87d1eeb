package simple

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/adrianmcphee/quipodb"
)

// Collection provides type-safe CRUD operations for a specific entity type.
//
// Example:
//
//	type User struct {
//	    ID    string `json:"id" sb:"id"`
//	    Email string `json:"email"`
//	    Name  string `json:"name"`
//	}
//
//	users, err := simple.NewCollection[User](ctx, db)
//	user, err := users.Create(ctx, &User{Email: "alice@example.com", Name: "Alice"})
type Collection[T any] struct {
	db      *DB
	docs    *quipodb.Docs
	name    string
	idField string // Go field name
	idKey   string // document field, the collection's primary key
}

// NewCollection opens a type-safe collection, creating it when needed.
// Collection name is inferred from type name (User -> "Users").
// Override with explicit name: NewCollection[User](ctx, db, "customers")
func NewCollection[T any](ctx context.Context, db *DB, name ...string) (*Collection[T], error) {
	var t T
	collectionName := pluralize(getTypeName(t))
	if len(name) > 0 && name[0] != "" {
		collectionName = name[0]
	}

	c := &Collection[T]{
		db:      db,
		name:    collectionName,
		idField: "ID",
		idKey:   "id",
	}
	c.parseModelInfo()

	docs, err := db.core.CreateCollection(ctx, collectionName, quipodb.WithPrimaryKey(c.idKey))
	if docs == nil {
		return nil, err
	}
	c.docs = docs
	return c, err
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Docs returns the underlying collection handle.
func (c *Collection[T]) Docs() *quipodb.Docs { return c.docs }

// Create stores a new item and returns a copy with ID populated.
// The input is not modified.
//
// Example:
//
//	user := &User{Email: "alice@example.com", Name: "Alice"}
//	created, err := users.Create(ctx, user)
//	// created.ID is now set, original user unchanged
func (c *Collection[T]) Create(ctx context.Context, item *T) (*T, error) {
	if item == nil {
		return nil, fmt.Errorf("item cannot be nil")
	}

	doc, err := quipodb.ToDocument(item)
	if err != nil {
		return nil, err
	}
	if id, _ := doc[c.idKey].(string); id == "" {
		doc[c.idKey] = quipodb.NewID()
	}

	created, err := c.docs.CreateDoc(ctx, doc)
	if len(created) == 0 {
		return nil, fmt.Errorf("failed to create: %w", err)
	}

	out, decodeErr := decode[T](created[0])
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, err
}

// Get retrieves an item by ID.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	if id == "" {
		return nil, fmt.Errorf("id cannot be empty")
	}

	doc, err := c.docs.FindDoc(ctx, quipodb.Document{c.idKey: id})
	if err != nil {
		if quipodb.IsNotFound(err) {
			return nil, fmt.Errorf("%s not found: %s: %w", c.name, id, err)
		}
		return nil, err
	}
	return decode[T](doc)
}

// Update replaces an existing item. The item must have its ID set.
func (c *Collection[T]) Update(ctx context.Context, item *T) error {
	if item == nil {
		return fmt.Errorf("item cannot be nil")
	}
	doc, err := quipodb.ToDocument(item)
	if err != nil {
		return err
	}
	id, _ := doc[c.idKey].(string)
	if id == "" {
		return fmt.Errorf("item must have ID set")
	}

	raw, err := c.docs.UpdateRaw(ctx, quipodb.Document{c.idKey: id})
	if err != nil {
		return err
	}
	raw.Doc = doc
	if err := raw.Save(ctx); err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}
	return nil
}

// Modify performs a read-modify-write on one item. fn receives the current
// item; returning an error aborts without writing.
//
// Example:
//
//	user, err := users.Modify(ctx, userID, func(user *User) error {
//	    user.Balance += 100
//	    return nil
//	})
func (c *Collection[T]) Modify(ctx context.Context, id string, fn func(*T) error) (*T, error) {
	if id == "" {
		return nil, fmt.Errorf("id cannot be empty")
	}

	raw, err := c.docs.UpdateRaw(ctx, quipodb.Document{c.idKey: id})
	if err != nil {
		return nil, err
	}
	item, err := decode[T](raw.Doc)
	if err != nil {
		return nil, err
	}
	if err := fn(item); err != nil {
		return nil, err
	}

	doc, err := quipodb.ToDocument(item)
	if err != nil {
		return nil, err
	}
	// Fields unknown to T are kept.
	for k, v := range doc {
		raw.Doc[k] = v
	}
	raw.Doc[c.idKey] = id
	if err := raw.Save(ctx); err != nil {
		return nil, fmt.Errorf("failed to update: %w", err)
	}
	return item, nil
}

// Delete removes an item by ID.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if err := c.docs.DeleteDoc(ctx, quipodb.Document{c.idKey: id}); err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	return nil
}

// Find returns all items whose field equals value.
//
// Example:
//
//	admins, err := users.Find(ctx, "role", "admin")
func (c *Collection[T]) Find(ctx context.Context, field string, value any) ([]*T, error) {
	q, err := c.docs.QueryCollection(ctx)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](q.WhereEquals(field, value).Raw())
}

// FindOne returns the first item whose field equals value, or an error
// wrapping quipodb.ErrNotFound.
func (c *Collection[T]) FindOne(ctx context.Context, field string, value any) (*T, error) {
	doc, err := c.docs.FindDoc(ctx, quipodb.Document{field: value})
	if err != nil {
		return nil, err
	}
	return decode[T](doc)
}

// Query runs fn over a query of the whole collection and stores the
// documents it changed. It returns the number of items written.
//
// Example:
//
//	n, err := users.Query(ctx, func(q *quipodb.Query) {
//	    q.Where("age").Gte(18).Where("balance").Add(10)
//	})
func (c *Collection[T]) Query(ctx context.Context, fn func(q *quipodb.Query)) (int, error) {
	q, err := c.docs.QueryCollection(ctx)
	if err != nil {
		return 0, err
	}
	fn(q)
	return c.docs.SaveQuery(ctx, q.ClearQuery().Save())
}

// All returns all items in the collection.
func (c *Collection[T]) All(ctx context.Context) ([]*T, error) {
	docs, err := c.docs.GetRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query all: %w", err)
	}
	return decodeAll[T](docs)
}

// Each calls handler for every item in collection order. Return an error
// to stop iteration.
func (c *Collection[T]) Each(ctx context.Context, handler func(*T) error) error {
	docs, err := c.docs.GetRaw(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		item, err := decode[T](doc)
		if err != nil {
			return err
		}
		if err := handler(item); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the total number of items.
func (c *Collection[T]) Count(ctx context.Context) (int, error) {
	return c.docs.Count(ctx)
}

// Helper methods

// parseModelInfo finds the ID field: the one tagged sb:"id", else the
// field named ID. Its json name becomes the primary key.
func (c *Collection[T]) parseModelInfo() {
	var t T
	typ := reflect.TypeOf(t)
	if typ == nil {
		return
	}
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return
	}

	idx := -1
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if contains(strings.Split(field.Tag.Get("sb"), ","), "id") {
			idx = i
			break
		}
		if field.Name == "ID" && idx < 0 {
			idx = i
		}
	}
	if idx < 0 {
		return
	}

	field := typ.Field(idx)
	c.idField = field.Name
	c.idKey = field.Name
	if jsonName := field.Tag.Get("json"); jsonName != "" {
		if i := strings.Index(jsonName, ","); i >= 0 {
			jsonName = jsonName[:i]
		}
		if jsonName != "" && jsonName != "-" {
			c.idKey = jsonName
		}
	}
}

func decode[T any](doc quipodb.Document) (*T, error) {
	var item T
	if err := doc.Decode(&item); err != nil {
		return nil, err
	}
	return &item, nil
}

func decodeAll[T any](docs []quipodb.Document) ([]*T, error) {
	items := make([]*T, 0, len(docs))
	for _, doc := range docs {
		item, err := decode[T](doc)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func getTypeName(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "items"
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func pluralize(s string) string {
	lower := strings.ToLower(s)

	irregulars := map[string]string{
		"person": "people",
		"child":  "children",
		"goose":  "geese",
		"tooth":  "teeth",
		"foot":   "feet",
		"mouse":  "mice",
	}

	if plural, ok := irregulars[lower]; ok {
		return plural
	}

	// Words ending in 'y' (preceded by consonant) -> 'ies'
	if len(s) > 1 && s[len(s)-1] == 'y' {
		preceding := s[len(s)-2]
		if !isVowel(rune(preceding)) {
			return s[:len(s)-1] + "ies"
		}
	}

	// Words ending in s, x, z, ch, sh -> add 'es'
	if strings.HasSuffix(lower, "s") || strings.HasSuffix(lower, "x") ||
		strings.HasSuffix(lower, "z") || strings.HasSuffix(lower, "ch") ||
		strings.HasSuffix(lower, "sh") {
		return s + "es"
	}

	return s + "s"
}

func isVowel(r rune) bool {
	return r == 'a' || r == 'e' || r == 'i' || r == 'o' || r == 'u'
}

func contains(slice []string, str string) bool {
	for _, s := range slice {
		if s == str {
			return true
		}
	}
	return false
}
