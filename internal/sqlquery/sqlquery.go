// Package sqlquery translates a small SQL dialect into QuipoDB collection
// calls and Query chains.
//
// Supported statements:
//
//	CREATE TABLE users (id varchar(36) PRIMARY KEY, ...)
//	DROP TABLE users
//	INSERT INTO users (id, name) VALUES ('u1', 'Ada'), (gen_random_uuid7(), 'Grace')
//	SELECT * | col, nested.col FROM users [WHERE ...] [ORDER BY col [DESC]] [LIMIT n]
//	UPDATE users SET col = value, balance = balance + 10 [WHERE ...]
//	DELETE FROM users [WHERE ...]
//
// WHERE accepts =, !=, <>, <, <=, >, >=, IN, IS [NOT] NULL, AND, OR, NOT and
// parentheses. A qualified column such as address.city addresses a nested
// field.
package sqlquery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adrianmcphee/quipodb"
	"github.com/xwb1989/sqlparser"
)

// Result represents the result of executing a SQL statement
type Result struct {
	// Columns lists the projected fields of a SELECT; empty for SELECT *.
	Columns      []string
	// Rows is set for statements that return documents (SELECT).
	Rows         bool
	Docs         []quipodb.Document
	RowsAffected int
	Message      string
}

// Executor executes SQL statements against a DB.
type Executor struct {
	db         *quipodb.DB
	primaryKey string
}

// NewExecutor creates an executor. Collections created by CREATE TABLE
// without a PRIMARY KEY, and existing collections opened on first use, get
// primaryKey.
func NewExecutor(db *quipodb.DB, primaryKey string) *Executor {
	return &Executor{db: db, primaryKey: primaryKey}
}

// Execute parses and executes a SQL statement
func (e *Executor) Execute(ctx context.Context, sql string) (*Result, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return &Result{Message: "OK"}, nil
	}
	sql = strings.TrimSuffix(sql, ";")

	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	switch s := stmt.(type) {
	case *sqlparser.DDL:
		return e.executeDDL(ctx, s)
	case *sqlparser.Select:
		return e.executeSelect(ctx, s)
	case *sqlparser.Insert:
		return e.executeInsert(ctx, s)
	case *sqlparser.Update:
		return e.executeUpdate(ctx, s)
	case *sqlparser.Delete:
		return e.executeDelete(ctx, s)
	default:
		return nil, fmt.Errorf("unsupported statement type: %T", stmt)
	}
}

// Resolve returns the handle of an existing collection, opening it with
// primaryKey when this DB has not used it yet.
func Resolve(ctx context.Context, db *quipodb.DB, name, primaryKey string) (*quipodb.Docs, error) {
	if docs, err := db.Collection(name); err == nil {
		return docs, nil
	}
	names, err := db.Collections(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if n == name {
			return db.CreateCollection(ctx, name, quipodb.WithPrimaryKey(primaryKey))
		}
	}
	return nil, quipodb.WithContext(quipodb.ErrCollectionNotFound, map[string]interface{}{"collection": name})
}

func (e *Executor) executeDDL(ctx context.Context, stmt *sqlparser.DDL) (*Result, error) {
	switch stmt.Action {
	case sqlparser.CreateStr:
		return e.executeCreateTable(ctx, stmt)
	case sqlparser.DropStr:
		name := stmt.Table.Name.String()
		if err := e.db.DeleteCollection(ctx, name); err != nil {
			return nil, err
		}
		return &Result{Message: "DROP TABLE " + name}, nil
	default:
		return nil, fmt.Errorf("unsupported DDL action: %s", stmt.Action)
	}
}

// executeCreateTable uses the PRIMARY KEY column, if any, as the
// collection's primary key. Other column definitions are ignored.
func (e *Executor) executeCreateTable(ctx context.Context, stmt *sqlparser.DDL) (*Result, error) {
	name := stmt.NewName.Name.String()
	pk := e.primaryKey

	if spec := stmt.TableSpec; spec != nil {
		for _, col := range spec.Columns {
			if col.Type.KeyOpt == 1 { // colKeyPrimary
				pk = col.Name.String()
			}
		}
		for _, idx := range spec.Indexes {
			if idx.Info.Primary && len(idx.Columns) == 1 {
				pk = idx.Columns[0].Column.String()
			}
		}
	}

	if _, err := e.db.CreateCollection(ctx, name, quipodb.WithPrimaryKey(pk)); err != nil {
		return nil, err
	}
	return &Result{Message: "CREATE TABLE " + name}, nil
}

func (e *Executor) executeSelect(ctx context.Context, stmt *sqlparser.Select) (*Result, error) {
	if len(stmt.From) != 1 {
		return nil, errors.New("only single table SELECT supported")
	}
	docs, err := e.collection(ctx, stmt.From[0])
	if err != nil {
		return nil, err
	}

	var columns []string
	for _, expr := range stmt.SelectExprs {
		switch se := expr.(type) {
		case *sqlparser.StarExpr:
			columns = nil
		case *sqlparser.AliasedExpr:
			col, ok := se.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, fmt.Errorf("unsupported select expression: %s", sqlparser.String(se))
			}
			columns = append(columns, fieldPath(col))
		default:
			return nil, fmt.Errorf("unsupported select expression: %s", sqlparser.String(se))
		}
	}

	q, err := e.where(ctx, docs, stmt.Where)
	if err != nil {
		return nil, err
	}

	for _, order := range stmt.OrderBy {
		col, ok := order.Expr.(*sqlparser.ColName)
		if !ok || !col.Qualifier.IsEmpty() {
			return nil, fmt.Errorf("ORDER BY supports top-level columns only: %s", sqlparser.String(order.Expr))
		}
		q.SortByField(col.Name.String(), order.Direction != sqlparser.DescScr)
	}

	if stmt.Limit != nil {
		if stmt.Limit.Offset != nil {
			return nil, errors.New("LIMIT offset is not supported")
		}
		n, err := intValue(stmt.Limit.Rowcount)
		if err != nil {
			return nil, err
		}
		q.Limit(n)
	}

	rows := q.Raw()
	if len(columns) > 0 {
		for i, doc := range rows {
			rows[i] = project(doc, columns)
		}
	}

	return &Result{
		Columns: columns,
		Rows:    true,
		Docs:    rows,
		Message: fmt.Sprintf("SELECT %d", len(rows)),
	}, nil
}

func (e *Executor) executeInsert(ctx context.Context, stmt *sqlparser.Insert) (*Result, error) {
	docs, err := Resolve(ctx, e.db, stmt.Table.Name.String(), e.primaryKey)
	if err != nil {
		return nil, err
	}

	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, errors.New("only VALUES clause supported for INSERT")
	}

	batch := make([]quipodb.Document, 0, len(rows))
	for _, tuple := range rows {
		if len(tuple) != len(stmt.Columns) {
			return nil, fmt.Errorf("INSERT has %d columns but %d values", len(stmt.Columns), len(tuple))
		}
		doc := quipodb.Document{}
		for i, val := range tuple {
			v, err := evalExpr(val)
			if err != nil {
				return nil, err
			}
			doc[stmt.Columns[i].String()] = v
		}
		batch = append(batch, doc)
	}

	created, err := docs.CreateDoc(ctx, batch...)
	if err != nil && len(created) == 0 {
		return nil, err
	}
	return &Result{
		Docs:         created,
		RowsAffected: len(created),
		Message:      fmt.Sprintf("INSERT 0 %d", len(created)),
	}, err
}

// executeUpdate applies the SET list to each matching document through a
// one-document Query and stores the changed ones with SaveQuery.
func (e *Executor) executeUpdate(ctx context.Context, stmt *sqlparser.Update) (*Result, error) {
	if len(stmt.TableExprs) != 1 {
		return nil, errors.New("only single table UPDATE supported")
	}
	docs, err := e.collection(ctx, stmt.TableExprs[0])
	if err != nil {
		return nil, err
	}

	q, err := e.where(ctx, docs, stmt.Where)
	if err != nil {
		return nil, err
	}

	var revs quipodb.Revisions
	for _, doc := range q.Raw() {
		one := quipodb.NewQuery([]quipodb.Document{doc})
		for _, set := range stmt.Exprs {
			if err := applySet(one, set); err != nil {
				return nil, err
			}
		}
		revs = append(revs, one.ClearQuery().Save()...)
	}

	written, err := docs.SaveQuery(ctx, revs)
	if err != nil && written == 0 {
		return nil, err
	}
	return &Result{
		RowsAffected: written,
		Message:      fmt.Sprintf("UPDATE %d", written),
	}, err
}

func (e *Executor) executeDelete(ctx context.Context, stmt *sqlparser.Delete) (*Result, error) {
	if len(stmt.TableExprs) != 1 {
		return nil, errors.New("only single table DELETE supported")
	}
	docs, err := e.collection(ctx, stmt.TableExprs[0])
	if err != nil {
		return nil, err
	}

	q, err := e.where(ctx, docs, stmt.Where)
	if err != nil {
		return nil, err
	}

	affected := 0
	for _, doc := range q.Raw() {
		if err := docs.DeleteDoc(ctx, doc); err != nil {
			return &Result{RowsAffected: affected}, err
		}
		affected++
	}

	return &Result{
		RowsAffected: affected,
		Message:      fmt.Sprintf("DELETE %d", affected),
	}, nil
}

func (e *Executor) collection(ctx context.Context, expr sqlparser.TableExpr) (*quipodb.Docs, error) {
	name, err := getTableName(expr)
	if err != nil {
		return nil, err
	}
	return Resolve(ctx, e.db, name, e.primaryKey)
}

func (e *Executor) where(ctx context.Context, docs *quipodb.Docs, where *sqlparser.Where) (*quipodb.Query, error) {
	q, err := docs.QueryCollection(ctx)
	if err != nil {
		return nil, err
	}
	if where == nil {
		return q, nil
	}
	if err := filter(q, where.Expr); err != nil {
		return nil, err
	}
	return q, nil
}

// applySet runs one SET assignment on a query positioned at the document
// root. col = col <op> number maps onto the arithmetic operators.
func applySet(q *quipodb.Query, set *sqlparser.UpdateExpr) error {
	parents, field := splitColumn(set.Name)
	q.ClearQuery()
	for _, p := range parents {
		q.Select(p)
	}
	q.Where(field)

	if bin, ok := set.Expr.(*sqlparser.BinaryExpr); ok {
		left, ok := bin.Left.(*sqlparser.ColName)
		if !ok || fieldPath(left) != fieldPath(set.Name) {
			return fmt.Errorf("unsupported SET expression: %s", sqlparser.String(set.Expr))
		}
		n, err := floatValue(bin.Right)
		if err != nil {
			return err
		}
		switch bin.Operator {
		case sqlparser.PlusStr:
			q.Add(n)
		case sqlparser.MinusStr:
			q.Subtract(n)
		case sqlparser.MultStr:
			q.Multiply(n)
		case sqlparser.DivStr:
			q.Divide(n)
		default:
			return fmt.Errorf("unsupported SET operator: %s", bin.Operator)
		}
		return nil
	}

	v, err := evalExpr(set.Expr)
	if err != nil {
		return err
	}
	q.Update(v)
	return nil
}

// filter narrows q to the documents matching expr.
func filter(q *quipodb.Query, expr sqlparser.Expr) error {
	switch ex := expr.(type) {
	case *sqlparser.AndExpr:
		if err := filter(q, ex.Left); err != nil {
			return err
		}
		return filter(q, ex.Right)

	case *sqlparser.OrExpr:
		if err := validate(ex.Left, ex.Right); err != nil {
			return err
		}
		q.Filter(func(doc quipodb.Document) bool {
			return matches(doc, ex.Left) || matches(doc, ex.Right)
		})
		return nil

	case *sqlparser.NotExpr:
		if err := validate(ex.Expr); err != nil {
			return err
		}
		q.Filter(func(doc quipodb.Document) bool { return !matches(doc, ex.Expr) })
		return nil

	case *sqlparser.ParenExpr:
		return filter(q, ex.Expr)

	case *sqlparser.IsExpr:
		col, ok := ex.Expr.(*sqlparser.ColName)
		if !ok {
			return fmt.Errorf("unsupported IS operand: %s", sqlparser.String(ex.Expr))
		}
		path := fieldPath(col)
		var want bool
		switch ex.Operator {
		case sqlparser.IsNullStr:
			want = true
		case sqlparser.IsNotNullStr:
			want = false
		default:
			return fmt.Errorf("unsupported operator: %s", ex.Operator)
		}
		q.Filter(func(doc quipodb.Document) bool {
			v, ok := doc.Get(path)
			return (!ok || v == nil) == want
		})
		return nil

	case *sqlparser.ComparisonExpr:
		return compare(q, ex)
	}
	return fmt.Errorf("unsupported WHERE expression: %s", sqlparser.String(expr))
}

func compare(q *quipodb.Query, ex *sqlparser.ComparisonExpr) error {
	col, ok := ex.Left.(*sqlparser.ColName)
	if !ok {
		return fmt.Errorf("left side of %s must be a column", ex.Operator)
	}

	switch ex.Operator {
	case sqlparser.InStr, sqlparser.NotInStr:
		tuple, ok := ex.Right.(sqlparser.ValTuple)
		if !ok {
			return fmt.Errorf("IN requires a value list")
		}
		values := make([]any, len(tuple))
		for i, t := range tuple {
			v, err := evalExpr(t)
			if err != nil {
				return err
			}
			values[i] = v
		}
		path := fieldPath(col)
		in := ex.Operator == sqlparser.InStr
		q.Filter(func(doc quipodb.Document) bool {
			for _, v := range values {
				if matchesEqual(doc, path, v) {
					return in
				}
			}
			return !in
		})
		return nil
	}

	value, err := evalExpr(ex.Right)
	if err != nil {
		return err
	}

	if ex.Operator == sqlparser.NotEqualStr || ex.Operator == "<>" {
		path := fieldPath(col)
		q.Filter(func(doc quipodb.Document) bool {
			if _, ok := doc.Get(path); !ok {
				return false
			}
			return !matchesEqual(doc, path, value)
		})
		return nil
	}

	var apply func(*quipodb.Query) *quipodb.Query
	switch ex.Operator {
	case sqlparser.EqualStr:
		apply = func(q *quipodb.Query) *quipodb.Query { return q.Equals(value) }
	case sqlparser.LessThanStr:
		apply = func(q *quipodb.Query) *quipodb.Query { return q.Lt(value) }
	case sqlparser.LessEqualStr:
		apply = func(q *quipodb.Query) *quipodb.Query { return q.Lte(value) }
	case sqlparser.GreaterThanStr:
		apply = func(q *quipodb.Query) *quipodb.Query { return q.Gt(value) }
	case sqlparser.GreaterEqualStr:
		apply = func(q *quipodb.Query) *quipodb.Query { return q.Gte(value) }
	default:
		return fmt.Errorf("unsupported operator: %s", ex.Operator)
	}

	parents, field := splitColumn(col)
	if len(parents) == 0 {
		apply(q.Where(field))
		return nil
	}
	// Select would rescope the shared query, so nested fields are tested
	// per document.
	q.Filter(func(doc quipodb.Document) bool {
		one := quipodb.NewQuery([]quipodb.Document{doc})
		for _, p := range parents {
			one.Select(p)
		}
		return apply(one.Where(field)).Len() == 1
	})
	return nil
}

func matches(doc quipodb.Document, expr sqlparser.Expr) bool {
	q := quipodb.NewQuery([]quipodb.Document{doc})
	if err := filter(q, expr); err != nil {
		return false
	}
	return q.Len() == 1
}

func matchesEqual(doc quipodb.Document, path string, value any) bool {
	v, ok := doc.Get(path)
	if !ok {
		return false
	}
	return quipodb.NewQuery([]quipodb.Document{{"v": v}}).WhereEquals("v", value).Len() == 1
}

// validate reports unsupported constructs that a Filter predicate would
// otherwise swallow.
func validate(exprs ...sqlparser.Expr) error {
	for _, expr := range exprs {
		if err := filter(quipodb.NewQuery(nil), expr); err != nil {
			return err
		}
	}
	return nil
}

func project(doc quipodb.Document, columns []string) quipodb.Document {
	out := quipodb.Document{}
	for _, c := range columns {
		if v, ok := doc.Get(c); ok {
			out[c] = v
		}
	}
	return out
}

func getTableName(expr sqlparser.TableExpr) (string, error) {
	if t, ok := expr.(*sqlparser.AliasedTableExpr); ok {
		if tbl, ok := t.Expr.(sqlparser.TableName); ok {
			return tbl.Name.String(), nil
		}
	}
	return "", fmt.Errorf("could not determine table name")
}

// splitColumn returns the parent path and the field of a possibly
// qualified column.
func splitColumn(col *sqlparser.ColName) ([]string, string) {
	var parents []string
	if !col.Qualifier.Qualifier.IsEmpty() {
		parents = append(parents, col.Qualifier.Qualifier.String())
	}
	if !col.Qualifier.Name.IsEmpty() {
		parents = append(parents, col.Qualifier.Name.String())
	}
	return parents, col.Name.String()
}

func fieldPath(col *sqlparser.ColName) string {
	parents, field := splitColumn(col)
	return strings.Join(append(parents, field), ".")
}

func evalExpr(expr sqlparser.Expr) (any, error) {
	switch ex := expr.(type) {
	case *sqlparser.SQLVal:
		switch ex.Type {
		case sqlparser.StrVal:
			return string(ex.Val), nil
		case sqlparser.IntVal, sqlparser.FloatVal:
			return strconv.ParseFloat(string(ex.Val), 64)
		}
	case sqlparser.BoolVal:
		return bool(ex), nil
	case *sqlparser.NullVal:
		return nil, nil
	case *sqlparser.UnaryExpr:
		if ex.Operator == sqlparser.UMinusStr {
			n, err := floatValue(ex.Expr)
			return -n, err
		}
	case *sqlparser.FuncExpr:
		if ex.Name.Lowered() == "gen_random_uuid7" {
			return quipodb.NewID(), nil
		}
	}
	return nil, fmt.Errorf("unsupported value: %s", sqlparser.String(expr))
}

func floatValue(expr sqlparser.Expr) (float64, error) {
	v, err := evalExpr(expr)
	if err != nil {
		return 0, err
	}
	n, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("expected a number, got %s", sqlparser.String(expr))
	}
	return n, nil
}

func intValue(expr sqlparser.Expr) (int, error) {
	n, err := floatValue(expr)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
