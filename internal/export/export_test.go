package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/adrianmcphee/quipodb"
)

func TestSQL_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := SQL(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "QuipoDB export") {
		t.Error("Expected header comment")
	}
}

func TestTableDDL(t *testing.T) {
	withKey := TableDDL(Collection{Name: "users", PrimaryKey: "id"})
	if !strings.Contains(withKey, `CREATE TABLE "users"`) {
		t.Errorf("Expected CREATE TABLE users, got:\n%s", withKey)
	}
	if !strings.Contains(withKey, `"id" TEXT PRIMARY KEY`) {
		t.Errorf("Expected text primary key, got:\n%s", withKey)
	}

	withoutKey := TableDDL(Collection{Name: "events"})
	if !strings.Contains(withoutKey, "seq BIGSERIAL PRIMARY KEY") {
		t.Errorf("Expected generated sequence key, got:\n%s", withoutKey)
	}
}

func TestSQL_Data(t *testing.T) {
	colls := []Collection{
		{
			Name:       "users",
			PrimaryKey: "id",
			Docs: []quipodb.Document{
				{"id": "u1", "name": "O'Brien", "age": 36.0},
				{"id": 7.0, "name": "Grace"},
			},
		},
		{
			Name: "events",
			Docs: []quipodb.Document{{"kind": "login"}},
		},
	}

	var buf bytes.Buffer
	if err := SQL(&buf, colls); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	if strings.Index(out, `CREATE TABLE "events"`) > strings.Index(out, `CREATE TABLE "users"`) {
		t.Error("Expected collections in name order")
	}
	for _, want := range []string{
		`INSERT INTO "users" ("id", data) VALUES ('u1', '{"age":36,"id":"u1","name":"O''Brien"}'::jsonb);`,
		`INSERT INTO "users" ("id", data) VALUES ('7', '{"id":7,"name":"Grace"}'::jsonb);`,
		`INSERT INTO "events" (data) VALUES ('{"kind":"login"}'::jsonb);`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in:\n%s", want, out)
		}
	}
}

func TestViewDDL(t *testing.T) {
	view := ViewDDL(Collection{
		Name: "users",
		Docs: []quipodb.Document{
			{"name": "Ada", "age": 36.0, "active": true, "tags": []any{"x"}, "mixed": "a", "empty": nil},
			{"name": "Grace", "mixed": 1.0},
		},
	})

	for _, want := range []string{
		`CREATE VIEW "users_view" AS SELECT`,
		`data->>'name' AS "name"`,
		`(data->>'age')::NUMERIC AS "age"`,
		`(data->>'active')::BOOLEAN AS "active"`,
		`data->'tags' AS "tags"`,
		`data->'mixed' AS "mixed"`,
		`data->>'empty' AS "empty"`,
		`FROM "users";`,
	} {
		if !strings.Contains(view, want) {
			t.Errorf("Expected %s in:\n%s", want, view)
		}
	}

	if ViewDDL(Collection{Name: "empty"}) != "" {
		t.Error("Expected no view for an empty collection")
	}
}

func TestNDJSON(t *testing.T) {
	var buf bytes.Buffer
	err := NDJSON(&buf, []quipodb.Document{{"id": "u1"}, {"id": "u2", "n": 1.0}})
	if err != nil {
		t.Fatal(err)
	}
	want := "{\"id\":\"u1\"}\n{\"id\":\"u2\",\"n\":1}\n"
	if buf.String() != want {
		t.Errorf("NDJSON = %q, want %q", buf.String(), want)
	}
}
