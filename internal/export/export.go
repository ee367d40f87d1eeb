// Package export writes QuipoDB collections as a PostgreSQL script or as
// newline-delimited JSON.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/adrianmcphee/quipodb"
)

// Collection is one collection to export.
type Collection struct {
	Name       string
	PrimaryKey string
	Docs       []quipodb.Document
}

// SQL writes a PostgreSQL script with one JSONB table per collection, its
// data, and a view exposing the top-level fields as typed columns.
// Collections are written in name order.
func SQL(w io.Writer, colls []Collection) error {
	sorted := append([]Collection(nil), colls...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	bw := bufio.NewWriter(w)
	bw.WriteString("-- QuipoDB export to PostgreSQL\n\n")

	for _, c := range sorted {
		bw.WriteString(TableDDL(c))
		bw.WriteString("\n")
		for _, doc := range c.Docs {
			stmt, err := rowToInsert(c, doc)
			if err != nil {
				return fmt.Errorf("export %s: %w", c.Name, err)
			}
			bw.WriteString(stmt)
		}
		if view := ViewDDL(c); view != "" {
			bw.WriteString("\n")
			bw.WriteString(view)
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

// TableDDL generates the CREATE TABLE statement for a collection. With a
// primary key the key is a TEXT column; otherwise rows are numbered.
func TableDDL(c Collection) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE %s (\n", quoteIdent(c.Name))
	if c.PrimaryKey != "" {
		fmt.Fprintf(&sb, "  %s TEXT PRIMARY KEY,\n", quoteIdent(c.PrimaryKey))
	} else {
		sb.WriteString("  seq BIGSERIAL PRIMARY KEY,\n")
	}
	sb.WriteString("  data JSONB NOT NULL\n")
	sb.WriteString(");\n")
	return sb.String()
}

// ViewDDL generates a view named <collection>_view with one column per
// top-level field. Column types are inferred from the values present.
func ViewDDL(c Collection) string {
	types := inferColumns(c.Docs)
	if len(types) == 0 {
		return ""
	}
	fields := make([]string, 0, len(types))
	for f := range types {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE VIEW %s AS SELECT\n", quoteIdent(c.Name+"_view"))
	for i, f := range fields {
		sb.WriteString("  ")
		sb.WriteString(columnExpr(f, types[f]))
		if i < len(fields)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "FROM %s;\n", quoteIdent(c.Name))
	return sb.String()
}

func columnExpr(field, pgType string) string {
	lit := quoteLiteral(field)
	switch pgType {
	case "JSONB":
		return fmt.Sprintf("data->%s AS %s", lit, quoteIdent(field))
	case "TEXT":
		return fmt.Sprintf("data->>%s AS %s", lit, quoteIdent(field))
	default:
		return fmt.Sprintf("(data->>%s)::%s AS %s", lit, pgType, quoteIdent(field))
	}
}

// inferColumns maps each top-level field to a PostgreSQL type. Fields whose
// values disagree on type fall back to JSONB; nulls do not vote.
func inferColumns(docs []quipodb.Document) map[string]string {
	types := map[string]string{}
	for _, doc := range docs {
		for k, v := range doc {
			t := mapType(v)
			if t == "" {
				if _, ok := types[k]; !ok {
					types[k] = ""
				}
				continue
			}
			switch prev := types[k]; {
			case prev == "":
				types[k] = t
			case prev != t:
				types[k] = "JSONB"
			}
		}
	}
	for k, t := range types {
		if t == "" {
			types[k] = "TEXT"
		}
	}
	return types
}

// mapType maps a document value to a PostgreSQL type, "" for null.
func mapType(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case string:
		return "TEXT"
	case float64:
		return "NUMERIC"
	case bool:
		return "BOOLEAN"
	default:
		return "JSONB"
	}
}

// rowToInsert generates an INSERT statement for a single document
func rowToInsert(c Collection, doc quipodb.Document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	if c.PrimaryKey == "" {
		return fmt.Sprintf("INSERT INTO %s (data) VALUES (%s::jsonb);\n",
			quoteIdent(c.Name), quoteLiteral(string(data))), nil
	}
	return fmt.Sprintf("INSERT INTO %s (%s, data) VALUES (%s, %s::jsonb);\n",
		quoteIdent(c.Name),
		quoteIdent(c.PrimaryKey),
		keyLiteral(doc[c.PrimaryKey]),
		quoteLiteral(string(data))), nil
}

func keyLiteral(v any) string {
	switch k := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteLiteral(k)
	case float64:
		if k == float64(int64(k)) {
			return quoteLiteral(fmt.Sprintf("%d", int64(k)))
		}
		return quoteLiteral(fmt.Sprintf("%v", k))
	default:
		return quoteLiteral(fmt.Sprintf("%v", k))
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// NDJSON writes one JSON document per line.
func NDJSON(w io.Writer, docs []quipodb.Document) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	return bw.Flush()
}
