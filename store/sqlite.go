package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// SQLite is a Store backed by one SQLite database. Every collection is a
// two-column table (id TEXT PRIMARY KEY, doc TEXT) and predicates compile
// onto json_extract expressions, so the backend needs no schema knowledge
// beyond the indexes it's asked to keep.
type SQLite struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]bool
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the database at path. ":memory:" yields an
// ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	var dsn = path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	if strings.HasPrefix(path, ":memory:") {
		dsn = path
	}

	log.WithField("path", path).Info("opening database")

	// SQLite / go-sqlite3 is a bit fickle about raced opens of a newly
	// created database, often returning "database is locked" errors. Ensure
	// one sql.Open completes before the next starts.
	sqliteOpenMu.Lock()
	var db, err = sql.Open("sqlite3", dsn)
	if err == nil {
		err = db.Ping()
	}
	sqliteOpenMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("opening SQLite database %q: %w", path, err)
	}

	// One connection serializes writers and keeps :memory: databases
	// coherent (each pooled connection would otherwise get its own).
	db.SetMaxOpenConns(1)

	return &SQLite{db: db, tables: make(map[string]bool)}, nil
}

func (s *SQLite) Collection(name string) Collection {
	return &sqliteCollection{s: s, name: name}
}

func (s *SQLite) EnsureIndex(ctx context.Context, collection string, idx Index) error {
	if err := s.ensureTable(ctx, collection); err != nil {
		return err
	}
	var expr, err = fieldExpr(idx.Field)
	if err != nil {
		return err
	}
	if !validName(idx.Name) {
		return fmt.Errorf("invalid index name %q", idx.Name)
	}

	var unique string
	if idx.Unique {
		unique = "UNIQUE "
	}
	// Partial: documents without the field stay out of the index, so a
	// unique index constrains only documents that carry the field.
	var stmt = fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS "%s" ON "%s" (%s) WHERE %s IS NOT NULL`,
		unique, idx.Name, collection, expr, expr)

	if _, err = s.db.ExecContext(ctx, stmt); err != nil {
		return mapSQLiteErr(fmt.Errorf("creating index %s: %w", idx.Name, err))
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) ensureTable(ctx context.Context, name string) error {
	s.mu.Lock()
	var done = s.tables[name]
	s.mu.Unlock()
	if done {
		return nil
	}

	if !validName(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	var stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (id TEXT PRIMARY KEY NOT NULL, doc TEXT NOT NULL)`, name)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating collection %q: %w", name, err)
	}

	s.mu.Lock()
	s.tables[name] = true
	s.mu.Unlock()
	return nil
}

type sqliteCollection struct {
	s    *SQLite
	name string
}

var _ Collection = (*sqliteCollection)(nil)

func (c *sqliteCollection) Get(ctx context.Context, id string) (Doc, error) {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return nil, err
	}
	var raw string
	var err = c.s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM "%s" WHERE id = ?`, c.name), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", c.name, id, err)
	}
	return decodeDoc(raw)
}

func (c *sqliteCollection) Insert(ctx context.Context, id string, doc Doc) error {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return err
	}
	var raw, err = encodeDoc(doc)
	if err != nil {
		return err
	}
	_, err = c.s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO "%s" (id, doc) VALUES (?, ?)`, c.name), id, raw)
	if err != nil {
		return fmt.Errorf("inserting %s/%s: %w", c.name, id, mapSQLiteErr(err))
	}
	return nil
}

func (c *sqliteCollection) Replace(ctx context.Context, id string, doc Doc) error {
	return c.ReplaceWhere(ctx, id, nil, doc)
}

func (c *sqliteCollection) ReplaceWhere(ctx context.Context, id string, guard Predicate, doc Doc) error {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return err
	}
	return c.inTx(ctx, func(tx *sql.Tx) error {
		var cur, err = c.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if guard != nil && !guard.Match(cur) {
			return ErrConflict
		}
		return c.putTx(ctx, tx, id, doc)
	})
}

func (c *sqliteCollection) Update(ctx context.Context, id string, set map[string]any) error {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return err
	}
	return c.inTx(ctx, func(tx *sql.Tx) error {
		var cur, err = c.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		applySet(cur, set)
		return c.putTx(ctx, tx, id, cur)
	})
}

func (c *sqliteCollection) FindOneAndUpdate(ctx context.Context, where Predicate, order []Sort, set map[string]any) (Doc, error) {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return nil, err
	}

	var stmt, args, err = buildSelect(c.name, Query{Where: where, Sort: order, Limit: 1})
	if err != nil {
		return nil, err
	}

	var claimed Doc
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		var id string
		var err = tx.QueryRowContext(ctx, stmt, args...).Scan(&id, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("querying %s: %w", c.name, err)
		}

		var doc Doc
		if doc, err = decodeDoc(raw); err != nil {
			return err
		}
		applySet(doc, set)
		if err = c.putTx(ctx, tx, id, doc); err != nil {
			return err
		}
		claimed = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (c *sqliteCollection) Delete(ctx context.Context, id string) error {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return err
	}
	var res, err = c.s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, c.name), id)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", c.name, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *sqliteCollection) Find(ctx context.Context, q Query) ([]Doc, error) {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return nil, err
	}
	var stmt, args, err = buildSelect(c.name, q)
	if err != nil {
		return nil, err
	}

	rows, err := c.s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", c.name, err)
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var id, raw string
		if err = rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var doc Doc
		if doc, err = decodeDoc(raw); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (c *sqliteCollection) Count(ctx context.Context, where Predicate) (int64, error) {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return 0, err
	}
	var cond, args, err = compilePredicate(where)
	if err != nil {
		return 0, err
	}

	var n int64
	err = c.s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM "%s" WHERE %s`, c.name, cond), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", c.name, err)
	}
	return n, nil
}

func (c *sqliteCollection) Sum(ctx context.Context, field string, where Predicate) (float64, error) {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return 0, err
	}
	var expr, err = fieldExpr(field)
	if err != nil {
		return 0, err
	}
	cond, args, err := compilePredicate(where)
	if err != nil {
		return 0, err
	}

	// TOTAL (not SUM) yields 0.0 rather than NULL over the empty set. The
	// json_type guard keeps strings out, matching the memory backend, while
	// booleans extract as 0 and 1.
	var path = "$." + field
	var guarded = fmt.Sprintf(
		`CASE WHEN json_type(doc, '%s') IN ('integer', 'real', 'true', 'false') THEN %s ELSE 0 END`,
		path, expr)

	var total float64
	err = c.s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT TOTAL(%s) FROM "%s" WHERE %s`, guarded, c.name, cond), args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing %s.%s: %w", c.name, field, err)
	}
	return total, nil
}

func (c *sqliteCollection) DeleteMany(ctx context.Context, where Predicate) (int64, error) {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return 0, err
	}
	var cond, args, err = compilePredicate(where)
	if err != nil {
		return 0, err
	}

	var res sql.Result
	res, err = c.s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE %s`, c.name, cond), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", c.name, err)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}

func (c *sqliteCollection) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var tx, err = c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", c.name, mapSQLiteErr(err))
	}
	return nil
}

func (c *sqliteCollection) getTx(ctx context.Context, tx *sql.Tx, id string) (Doc, error) {
	var raw string
	var err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM "%s" WHERE id = ?`, c.name), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", c.name, id, err)
	}
	return decodeDoc(raw)
}

func (c *sqliteCollection) putTx(ctx context.Context, tx *sql.Tx, id string, doc Doc) error {
	var raw, err = encodeDoc(doc)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE "%s" SET doc = ? WHERE id = ?`, c.name), raw, id); err != nil {
		return fmt.Errorf("updating %s/%s: %w", c.name, id, mapSQLiteErr(err))
	}
	return nil
}

// buildSelect compiles a query into SELECT id, doc SQL. Queries without an
// explicit sort return documents in ID order so results are deterministic
// across backends.
func buildSelect(table string, q Query) (string, []any, error) {
	var cond, args, err = compilePredicate(q.Where)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT id, doc FROM "%s" WHERE %s ORDER BY `, table, cond)

	for _, s := range q.Sort {
		var expr, err = fieldExpr(s.Field)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(expr)
		if s.Desc {
			b.WriteString(" DESC")
		}
		b.WriteString(", ")
	}
	b.WriteString("id")

	if q.Limit > 0 || q.Offset > 0 {
		var limit = q.Limit
		if limit == 0 {
			limit = -1
		}
		fmt.Fprintf(&b, " LIMIT %d OFFSET %d", limit, q.Offset)
	}
	return b.String(), args, nil
}

// compilePredicate renders a predicate tree as a SQL condition over the
// doc column. A nil predicate matches everything.
func compilePredicate(p Predicate) (string, []any, error) {
	if p == nil {
		return "1=1", nil, nil
	}
	switch x := p.(type) {
	case *cmpPred:
		var expr, err = fieldExpr(x.field)
		if err != nil {
			return "", nil, err
		}
		var op string
		switch x.op {
		case opEq:
			op = "IS"
		case opNe:
			op = "IS NOT"
		case opGt:
			op = ">"
		case opGte:
			op = ">="
		case opLt:
			op = "<"
		default:
			op = "<="
		}
		return fmt.Sprintf("%s %s ?", expr, op), []any{sqlArg(x.value)}, nil

	case *containsPred:
		if !validFieldPath(x.field) {
			return "", nil, fmt.Errorf("invalid field path %q", x.field)
		}
		var path = "$." + x.field
		var cond = fmt.Sprintf(
			`(json_type(doc, '%s') = 'array' AND EXISTS (SELECT 1 FROM json_each(doc, '%s') WHERE json_each.value = ?))`,
			path, path)
		return cond, []any{sqlArg(x.value)}, nil

	case *inPred:
		if len(x.values) == 0 {
			return "0=1", nil, nil
		}
		var expr, err = fieldExpr(x.field)
		if err != nil {
			return "", nil, err
		}
		var args = make([]any, len(x.values))
		for i, v := range x.values {
			args[i] = sqlArg(v)
		}
		return fmt.Sprintf("%s IN (?%s)", expr, strings.Repeat(", ?", len(x.values)-1)), args, nil

	case *existsPred:
		var expr, err = fieldExpr(x.field)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s IS NOT NULL", expr), nil, nil

	case *andPred:
		return compileJunction(x.preds, " AND ", "1=1")
	case *orPred:
		return compileJunction(x.preds, " OR ", "0=1")
	default:
		return "", nil, fmt.Errorf("unknown predicate type %T", p)
	}
}

func compileJunction(preds []Predicate, joiner, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	var conds = make([]string, 0, len(preds))
	var args []any
	for _, sub := range preds {
		var cond, subArgs, err = compilePredicate(sub)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
		args = append(args, subArgs...)
	}
	return "(" + strings.Join(conds, joiner) + ")", args, nil
}

// sqlArg converts a normalized predicate value into a driver argument.
// Composite values compare by their JSON text, matching json_extract.
func sqlArg(v any) any {
	switch v.(type) {
	case nil, bool, float64, string:
		return v
	default:
		var b, err = json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	}
}

// fieldExpr renders a dotted field path as a json_extract expression. Paths
// are restricted to identifier characters so they can be inlined: inlined
// literal paths are what lets SQLite match expression indexes.
func fieldExpr(field string) (string, error) {
	if !validFieldPath(field) {
		return "", fmt.Errorf("invalid field path %q", field)
	}
	return "json_extract(doc, '$." + field + "')", nil
}

func validFieldPath(field string) bool {
	if field == "" {
		return false
	}
	for _, part := range strings.Split(field, ".") {
		if !validName(part) {
			return false
		}
	}
	return true
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func encodeDoc(doc Doc) (string, error) {
	var b, err = json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding document: %w", err)
	}
	return string(b), nil
}

func decodeDoc(raw string) (Doc, error) {
	var doc Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}

// mapSQLiteErr folds constraint violations into the store's sentinels.
func mapSQLiteErr(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return ErrDuplicate
		}
	}
	return err
}

var sqliteOpenMu sync.Mutex
