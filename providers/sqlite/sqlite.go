// Package sqlite is a DataProvider storing each resource in its own SQLite
// table with an integer "id" primary key. Records map to rows column by
// column; nested values are stored as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/burugo/recordsync"
	"github.com/burugo/recordsync/internal/listing"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Quote quotes a validated identifier.
func Quote(identifier string) string {
	return `"` + identifier + `"`
}

func checkIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return &recordsync.ValidationError{
			Message: "invalid identifier",
			Fields:  map[string]string{name: "not a valid column or table name"},
		}
	}
	return nil
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger used for query tracing.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// Provider implements recordsync.DataProvider on SQLite.
type Provider struct {
	db     *sqlx.DB
	logger *zap.Logger

	closeMx sync.Mutex
	closed  bool
}

var (
	_ recordsync.DataProvider       = (*Provider)(nil)
	_ recordsync.CapabilityProvider = (*Provider)(nil)
)

// Open connects to the SQLite database at dsn.
func Open(dsn string, opts ...Option) (*Provider, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	p := New(db, opts...)
	p.logger.Info("sqlite provider initialized", zap.String("dsn", dsn))
	return p, nil
}

// New wraps an open database.
func New(db *sqlx.DB, opts ...Option) *Provider {
	p := &Provider{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("sqlite")
	return p
}

// DB returns the underlying database.
func (p *Provider) DB() *sqlx.DB { return p.db }

// Close closes the database.
func (p *Provider) Close() error {
	p.closeMx.Lock()
	defer p.closeMx.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *Provider) isClosed() bool {
	p.closeMx.Lock()
	defer p.closeMx.Unlock()
	return p.closed
}

// Capabilities implements recordsync.CapabilityProvider. Batched writes run
// in one transaction.
func (p *Provider) Capabilities() recordsync.Capabilities {
	return recordsync.Capabilities{UpdateMany: true, DeleteMany: true}
}

// EnsureTable creates the table of resource when missing. columns maps column
// names to SQLite types; "id" is always the integer primary key.
func (p *Provider) EnsureTable(ctx context.Context, resource string, columns map[string]string) error {
	if err := checkIdentifier(resource); err != nil {
		return err
	}
	names := make([]string, 0, len(columns))
	for name := range columns {
		if name == recordsync.IDField {
			continue
		}
		if err := checkIdentifier(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	defs := []string{Quote(recordsync.IDField) + " INTEGER PRIMARY KEY AUTOINCREMENT"}
	for _, name := range names {
		typ := strings.ToUpper(strings.TrimSpace(columns[name]))
		if !identifierRe.MatchString(strings.ReplaceAll(typ, " ", "_")) {
			return fmt.Errorf("sqlite: invalid column type %q for %s", columns[name], name)
		}
		defs = append(defs, Quote(name)+" "+typ)
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", Quote(resource), strings.Join(defs, ", "))
	_, err := p.exec(ctx, p.db, query)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type queryer interface {
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
}

func (p *Provider) exec(ctx context.Context, db execer, query string, args ...interface{}) (sql.Result, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("sqlite: provider is closed")
	}
	start := time.Now()
	res, err := db.ExecContext(ctx, query, args...)
	p.logger.Debug("exec", zap.String("sql", query), zap.Any("args", args), zap.Duration("took", time.Since(start)), zap.Error(err))
	return res, err
}

func (p *Provider) selectRecords(ctx context.Context, db queryer, query string, args ...interface{}) ([]recordsync.Record, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("sqlite: provider is closed")
	}
	start := time.Now()
	rows, err := db.QueryxContext(ctx, query, args...)
	p.logger.Debug("query", zap.String("sql", query), zap.Any("args", args), zap.Duration("took", time.Since(start)), zap.Error(err))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recordsync.Record
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		out = append(out, toRecord(row))
	}
	return out, rows.Err()
}

func (p *Provider) selectOne(ctx context.Context, db queryer, resource string, id recordsync.ID) (recordsync.Record, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", Quote(resource), Quote(recordsync.IDField))
	recs, err := p.selectRecords(ctx, db, query, string(id))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, sql.ErrNoRows
	}
	return recs[0], nil
}

func toRecord(row map[string]interface{}) recordsync.Record {
	rec := make(recordsync.Record, len(row))
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		rec[k] = v
	}
	return rec
}

// bindValue converts a record value to a driver argument.
func bindValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil, string, bool, int, int64, float64, time.Time, []byte:
		return x, nil
	case int32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case recordsync.ID:
		return string(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}
}

func sortedColumns(data recordsync.Record) ([]string, error) {
	cols := make([]string, 0, len(data))
	for k := range data {
		if k == recordsync.IDField {
			continue
		}
		if err := checkIdentifier(k); err != nil {
			return nil, err
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, nil
}

// mapErr translates driver errors into the recordsync taxonomy.
func mapErr(resource string, id recordsync.ID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", resource, id, recordsync.ErrNotFound)
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return &recordsync.ValidationError{Message: serr.Error(), Fields: constraintFields(serr.Error())}
	}
	msg := err.Error()
	if i := strings.Index(msg, "has no column named "); i >= 0 {
		col := strings.TrimSpace(msg[i+len("has no column named "):])
		return &recordsync.ValidationError{Message: msg, Fields: map[string]string{col: "unknown field"}}
	}
	if strings.Contains(msg, "no such table") {
		return fmt.Errorf("%s: %w", resource, recordsync.ErrNotFound)
	}
	return err
}

// constraintFields extracts column names from messages such as
// "UNIQUE constraint failed: posts.slug".
func constraintFields(msg string) map[string]string {
	i := strings.Index(msg, "constraint failed: ")
	if i < 0 {
		return nil
	}
	kind := strings.ToLower(strings.TrimSpace(msg[:i]))
	fields := make(map[string]string)
	for _, part := range strings.Split(msg[i+len("constraint failed: "):], ",") {
		part = strings.TrimSpace(part)
		if dot := strings.LastIndex(part, "."); dot >= 0 {
			part = part[dot+1:]
		}
		if part != "" {
			fields[part] = kind
		}
	}
	return fields
}

// GetOne implements recordsync.DataProvider.
func (p *Provider) GetOne(ctx context.Context, resource string, id recordsync.ID) (recordsync.Record, error) {
	if err := checkIdentifier(resource); err != nil {
		return nil, err
	}
	rec, err := p.selectOne(ctx, p.db, resource, id)
	return rec, mapErr(resource, id, err)
}

// compileWhere turns a filter into a WHERE clause with '?' placeholders.
func (p *Provider) compileWhere(ctx context.Context, resource string, filter map[string]interface{}) (string, []interface{}, error) {
	var clauses []string
	var args []interface{}
	for _, c := range listing.ParseFilter(filter) {
		if c.Op == listing.OpSearch {
			cols, err := p.textColumns(ctx, resource)
			if err != nil {
				return "", nil, err
			}
			if len(cols) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			parts := make([]string, 0, len(cols))
			for _, col := range cols {
				parts = append(parts, Quote(col)+" LIKE ?")
				args = append(args, "%"+fmt.Sprint(c.Value)+"%")
			}
			clauses = append(clauses, "("+strings.Join(parts, " OR ")+")")
			continue
		}
		if err := checkIdentifier(c.Field); err != nil {
			return "", nil, err
		}
		if c.Op == listing.OpIn {
			values, _ := c.Value.([]interface{})
			if len(values) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			bound := make([]interface{}, 0, len(values))
			for _, v := range values {
				b, err := bindValue(v)
				if err != nil {
					return "", nil, err
				}
				bound = append(bound, b)
			}
			clauses = append(clauses, Quote(c.Field)+" IN (?)")
			args = append(args, bound)
			continue
		}
		v, err := bindValue(c.Value)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", Quote(c.Field), c.Op))
		args = append(args, v)
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (p *Provider) textColumns(ctx context.Context, resource string) ([]string, error) {
	var cols []string
	err := p.db.SelectContext(ctx, &cols,
		"SELECT name FROM pragma_table_info(?) WHERE upper(type) LIKE '%TEXT%' OR upper(type) LIKE '%CHAR%' ORDER BY cid", resource)
	return cols, err
}

// GetList implements recordsync.DataProvider.
func (p *Provider) GetList(ctx context.Context, resource string, params recordsync.ListParams) (recordsync.ListResult, error) {
	if err := checkIdentifier(resource); err != nil {
		return recordsync.ListResult{}, err
	}
	where, args, err := p.compileWhere(ctx, resource, params.Filter)
	if err != nil {
		return recordsync.ListResult{}, mapErr(resource, "", err)
	}

	countQuery, countArgs, err := sqlx.In("SELECT COUNT(*) FROM "+Quote(resource)+where, args...)
	if err != nil {
		return recordsync.ListResult{}, err
	}
	var total int
	if err := p.db.GetContext(ctx, &total, p.db.Rebind(countQuery), countArgs...); err != nil {
		return recordsync.ListResult{}, mapErr(resource, "", err)
	}

	query := "SELECT * FROM " + Quote(resource) + where
	if params.Sort.Field != "" {
		if err := checkIdentifier(params.Sort.Field); err != nil {
			return recordsync.ListResult{}, err
		}
		order := "ASC"
		if strings.EqualFold(string(params.Sort.Order), string(recordsync.SortDesc)) {
			order = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s", Quote(params.Sort.Field), order)
	}
	if params.Pagination.PerPage > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, params.Pagination.PerPage, params.Pagination.Offset())
	}
	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return recordsync.ListResult{}, err
	}
	recs, err := p.selectRecords(ctx, p.db, p.db.Rebind(query), args...)
	if err != nil {
		return recordsync.ListResult{}, mapErr(resource, "", err)
	}
	if recs == nil {
		recs = []recordsync.Record{}
	}
	return recordsync.ListResult{Data: recs, Total: total}, nil
}

// GetMany implements recordsync.DataProvider.
func (p *Provider) GetMany(ctx context.Context, resource string, ids []recordsync.ID) ([]recordsync.Record, error) {
	if err := checkIdentifier(resource); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []recordsync.Record{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	query, args, err := sqlx.In(fmt.Sprintf("SELECT * FROM %s WHERE %s IN (?) ORDER BY %s",
		Quote(resource), Quote(recordsync.IDField), Quote(recordsync.IDField)), keys)
	if err != nil {
		return nil, err
	}
	recs, err := p.selectRecords(ctx, p.db, p.db.Rebind(query), args...)
	return recs, mapErr(resource, "", err)
}

// Create implements recordsync.DataProvider.
func (p *Provider) Create(ctx context.Context, resource string, data recordsync.Record) (recordsync.Record, error) {
	if err := checkIdentifier(resource); err != nil {
		return nil, err
	}
	cols, err := sortedColumns(data)
	if err != nil {
		return nil, err
	}
	if id := data.ID(); id != "" {
		cols = append([]string{recordsync.IDField}, cols...)
	}

	quoted := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols))
	for _, col := range cols {
		v, err := bindValue(data[col])
		if err != nil {
			return nil, err
		}
		quoted = append(quoted, Quote(col))
		args = append(args, v)
	}

	var query string
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", Quote(resource))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", Quote(resource),
			strings.Join(quoted, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	}
	res, err := p.exec(ctx, p.db, query, args...)
	if err != nil {
		return nil, mapErr(resource, "", err)
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	rec, err := p.selectOne(ctx, p.db, resource, recordsync.IDOf(lastID))
	return rec, mapErr(resource, recordsync.IDOf(lastID), err)
}

func (p *Provider) update(ctx context.Context, tx *sqlx.Tx, resource string, id recordsync.ID, data recordsync.Record) error {
	cols, err := sortedColumns(data)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		_, err := p.selectOne(ctx, tx, resource, id)
		return mapErr(resource, id, err)
	}
	sets := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	for _, col := range cols {
		v, err := bindValue(data[col])
		if err != nil {
			return err
		}
		sets = append(sets, Quote(col)+" = ?")
		args = append(args, v)
	}
	args = append(args, string(id))
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", Quote(resource), strings.Join(sets, ", "), Quote(recordsync.IDField))
	res, err := p.exec(ctx, tx, query, args...)
	if err != nil {
		return mapErr(resource, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return mapErr(resource, id, sql.ErrNoRows)
	}
	return nil
}

// Update implements recordsync.DataProvider.
func (p *Provider) Update(ctx context.Context, resource string, id recordsync.ID, data, _ recordsync.Record) (recordsync.Record, error) {
	if err := checkIdentifier(resource); err != nil {
		return nil, err
	}
	var rec recordsync.Record
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := p.update(ctx, tx, resource, id, data); err != nil {
			return err
		}
		var err error
		rec, err = p.selectOne(ctx, tx, resource, id)
		return mapErr(resource, id, err)
	})
	return rec, err
}

// UpdateMany implements recordsync.DataProvider. Ids that fail are reported
// in a *recordsync.BatchError; the others are committed.
func (p *Provider) UpdateMany(ctx context.Context, resource string, ids []recordsync.ID, data recordsync.Record) ([]recordsync.ID, error) {
	if err := checkIdentifier(resource); err != nil {
		return nil, err
	}
	return p.each(ctx, "updateMany", resource, ids, func(tx *sqlx.Tx, id recordsync.ID) error {
		return p.update(ctx, tx, resource, id, data)
	})
}

func (p *Provider) remove(ctx context.Context, tx *sqlx.Tx, resource string, id recordsync.ID) (recordsync.Record, error) {
	rec, err := p.selectOne(ctx, tx, resource, id)
	if err != nil {
		return nil, mapErr(resource, id, err)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", Quote(resource), Quote(recordsync.IDField))
	if _, err := p.exec(ctx, tx, query, string(id)); err != nil {
		return nil, mapErr(resource, id, err)
	}
	return rec, nil
}

// Delete implements recordsync.DataProvider.
func (p *Provider) Delete(ctx context.Context, resource string, id recordsync.ID, _ recordsync.Record) (recordsync.Record, error) {
	if err := checkIdentifier(resource); err != nil {
		return nil, err
	}
	var rec recordsync.Record
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		rec, err = p.remove(ctx, tx, resource, id)
		return err
	})
	return rec, err
}

// DeleteMany implements recordsync.DataProvider.
func (p *Provider) DeleteMany(ctx context.Context, resource string, ids []recordsync.ID) ([]recordsync.ID, error) {
	if err := checkIdentifier(resource); err != nil {
		return nil, err
	}
	return p.each(ctx, "deleteMany", resource, ids, func(tx *sqlx.Tx, id recordsync.ID) error {
		_, err := p.remove(ctx, tx, resource, id)
		return err
	})
}

func (p *Provider) each(ctx context.Context, op, resource string, ids []recordsync.ID, fn func(*sqlx.Tx, recordsync.ID) error) ([]recordsync.ID, error) {
	var done []recordsync.ID
	failed := make(map[recordsync.ID]error)
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range ids {
			if err := fn(tx, id); err != nil {
				failed[id] = err
				continue
			}
			done = append(done, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		return done, &recordsync.BatchError{Op: op, Resource: resource, Succeeded: done, Items: failed}
	}
	return done, nil
}

func (p *Provider) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if p.isClosed() {
		return fmt.Errorf("sqlite: provider is closed")
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit transaction: %w", err)
	}
	return nil
}
