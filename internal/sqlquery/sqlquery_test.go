package sqlquery

import (
	"context"
	"testing"

	"github.com/adrianmcphee/quipodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*Executor, *quipodb.DB) {
	t.Helper()
	db, err := quipodb.New(quipodb.WithProvider(quipodb.NewMemoryProvider()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ex := NewExecutor(db, "id")
	ctx := context.Background()
	_, err = ex.Execute(ctx, "CREATE TABLE users (id varchar(36) PRIMARY KEY, name text)")
	require.NoError(t, err)

	users, err := db.Collection("users")
	require.NoError(t, err)
	_, err = users.CreateDoc(ctx,
		quipodb.Document{"id": "u1", "name": "Ada", "age": 36, "balance": 100, "address": map[string]any{"city": "London"}},
		quipodb.Document{"id": "u2", "name": "Grace", "age": 85, "balance": 50, "address": map[string]any{"city": "New York"}},
		quipodb.Document{"id": "u3", "name": "Linus", "age": 17, "balance": 0, "nickname": nil},
	)
	require.NoError(t, err)
	return ex, db
}

func ids(docs []quipodb.Document) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d["id"]
	}
	return out
}

func TestSelect(t *testing.T) {
	ex, _ := newTestExecutor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		sql  string
		want []any
	}{
		{"all", "SELECT * FROM users", []any{"u1", "u2", "u3"}},
		{"equals", "SELECT * FROM users WHERE name = 'Grace'", []any{"u2"}},
		{"greater", "SELECT * FROM users WHERE age > 18", []any{"u1", "u2"}},
		{"and", "SELECT * FROM users WHERE age > 18 AND balance <= 50", []any{"u2"}},
		{"or", "SELECT * FROM users WHERE name = 'Ada' OR age < 18", []any{"u1", "u3"}},
		{"not equal", "SELECT * FROM users WHERE name != 'Ada'", []any{"u2", "u3"}},
		{"in", "SELECT * FROM users WHERE id IN ('u1', 'u3')", []any{"u1", "u3"}},
		{"not in", "SELECT * FROM users WHERE id NOT IN ('u1', 'u3')", []any{"u2"}},
		{"nested", "SELECT * FROM users WHERE address.city = 'London'", []any{"u1"}},
		{"is null", "SELECT * FROM users WHERE address IS NULL", []any{"u3"}},
		{"is not null", "SELECT * FROM users WHERE address IS NOT NULL", []any{"u1", "u2"}},
		{"not", "SELECT * FROM users WHERE NOT (age > 18)", []any{"u3"}},
		{"order desc", "SELECT * FROM users ORDER BY age DESC", []any{"u2", "u1", "u3"}},
		{"limit", "SELECT * FROM users ORDER BY age LIMIT 2", []any{"u3", "u1"}},
		{"negative literal", "SELECT * FROM users WHERE balance > -1 AND age < 20", []any{"u3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ex.Execute(ctx, tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(res.Docs))
		})
	}
}

func TestSelectProjection(t *testing.T) {
	ex, _ := newTestExecutor(t)

	res, err := ex.Execute(context.Background(), "SELECT name, address.city FROM users WHERE id = 'u1';")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "address.city"}, res.Columns)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, quipodb.Document{"name": "Ada", "address.city": "London"}, res.Docs[0])
	assert.Equal(t, "SELECT 1", res.Message)
	assert.True(t, res.Rows)
}

func TestUpdate(t *testing.T) {
	ex, db := newTestExecutor(t)
	ctx := context.Background()

	res, err := ex.Execute(ctx, "UPDATE users SET balance = balance + 25, status = 'adult', address.city = 'Paris' WHERE age > 18")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsAffected)

	users, err := db.Collection("users")
	require.NoError(t, err)
	ada, err := users.FindDoc(ctx, quipodb.Document{"id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, 125.0, ada["balance"])
	assert.Equal(t, "adult", ada["status"])
	assert.Equal(t, map[string]any{"city": "Paris"}, ada["address"])

	linus, err := users.FindDoc(ctx, quipodb.Document{"id": "u3"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, linus["balance"])

	res, err = ex.Execute(ctx, "UPDATE users SET balance = balance * 2 WHERE id = 'u2'")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsAffected)
	grace, err := users.FindDoc(ctx, quipodb.Document{"id": "u2"})
	require.NoError(t, err)
	assert.Equal(t, 150.0, grace["balance"])
}

func TestUpdateUnchangedWritesNothing(t *testing.T) {
	ex, _ := newTestExecutor(t)

	res, err := ex.Execute(context.Background(), "UPDATE users SET name = 'Ada' WHERE id = 'u1'")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsAffected)
}

func TestDelete(t *testing.T) {
	ex, db := newTestExecutor(t)
	ctx := context.Background()

	res, err := ex.Execute(ctx, "DELETE FROM users WHERE age < 18 OR name = 'Grace'")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsAffected)

	users, err := db.Collection("users")
	require.NoError(t, err)
	n, err := users.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertAndDropTable(t *testing.T) {
	ex, db := newTestExecutor(t)
	ctx := context.Background()

	_, err := ex.Execute(ctx, "CREATE TABLE orders (sku varchar(10), qty int, PRIMARY KEY (sku))")
	require.NoError(t, err)
	orders, err := db.Collection("orders")
	require.NoError(t, err)
	assert.Equal(t, "sku", orders.PrimaryKey())

	res, err := ex.Execute(ctx, "INSERT INTO orders (sku, qty, gift) VALUES ('a1', 2, true), (gen_random_uuid7(), 1, false)")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsAffected)
	assert.False(t, res.Rows)
	assert.Equal(t, 2.0, res.Docs[0]["qty"])
	assert.Equal(t, true, res.Docs[0]["gift"])
	assert.True(t, quipodb.IsValidID(res.Docs[1]["sku"].(string)))

	_, err = ex.Execute(ctx, "DROP TABLE orders")
	require.NoError(t, err)
	_, err = ex.Execute(ctx, "SELECT * FROM orders")
	assert.ErrorIs(t, err, quipodb.ErrCollectionNotFound)
}

func TestResolveOpensExistingCollection(t *testing.T) {
	ctx := context.Background()
	provider := quipodb.NewMemoryProvider()
	require.NoError(t, provider.CreateCollection(ctx, quipodb.CollectionSpec{Name: "notes", PrimaryKey: "id"}))
	require.NoError(t, provider.CreateDoc(ctx, "notes", quipodb.Document{"id": "n1", "text": "hi"}))

	db, err := quipodb.New(quipodb.WithProvider(provider))
	require.NoError(t, err)
	defer db.Close()

	res, err := NewExecutor(db, "id").Execute(ctx, "SELECT text FROM notes")
	require.NoError(t, err)
	assert.Equal(t, []quipodb.Document{{"text": "hi"}}, res.Docs)

	_, err = Resolve(ctx, db, "missing", "id")
	assert.ErrorIs(t, err, quipodb.ErrCollectionNotFound)
}

func TestUnsupported(t *testing.T) {
	ex, _ := newTestExecutor(t)
	ctx := context.Background()

	for _, sql := range []string{
		"SELECT * FROM users WHERE name LIKE 'A%'",
		"SELECT * FROM users WHERE name = 'Ada' OR name LIKE 'G%'",
		"SELECT count(*) FROM users",
		"SELECT * FROM users LIMIT 1, 2",
		"UPDATE users SET balance = age + 1",
		"SELEC * FROM users",
	} {
		_, err := ex.Execute(ctx, sql)
		assert.Error(t, err, sql)
	}

	res, err := ex.Execute(ctx, "  ")
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Message)
}
