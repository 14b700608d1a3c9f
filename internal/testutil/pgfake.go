// Package testutil provides in-memory fakes for the external services the
// assistant depends on: the database, the model backend, and the embedder.
package testutil

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call records one statement issued against the fake database.
type Call struct {
	SQL  string
	Args []any
}

// FakeDB is a scripted database double. Tests register result sets keyed by
// an SQL substring; any statement without a registered result succeeds with
// no rows. All statements, including those inside transactions, are recorded
// in issue order.
type FakeDB struct {
	mu      sync.Mutex
	calls   []Call
	results map[string]*scriptedResult
}

type scriptedResult struct {
	rows [][]any
	tag  *pgconn.CommandTag
	err  error
}

// NewFakeDB creates an empty fake database.
func NewFakeDB() *FakeDB {
	return &FakeDB{results: map[string]*scriptedResult{}}
}

// OnQuery registers rows to return for any statement containing substr.
func (f *FakeDB) OnQuery(substr string, rows ...[]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[substr] = &scriptedResult{rows: rows}
}

// OnExec registers the rows-affected count reported for any statement
// containing substr.
func (f *FakeDB) OnExec(substr string, rowsAffected int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tag := pgconn.NewCommandTag(fmt.Sprintf("INSERT 0 %d", rowsAffected))
	f.results[substr] = &scriptedResult{tag: &tag}
}

// OnError registers an error for any statement containing substr.
func (f *FakeDB) OnError(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[substr] = &scriptedResult{err: err}
}

// Calls returns a copy of all recorded statements.
func (f *FakeDB) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsMatching returns the recorded statements containing substr.
func (f *FakeDB) CallsMatching(substr string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if strings.Contains(c.SQL, substr) {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeDB) record(sql string, args []any) *scriptedResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{SQL: sql, Args: args})
	for substr, res := range f.results {
		if strings.Contains(sql, substr) {
			return res
		}
	}
	return nil
}

// Exec implements the store DB interface.
func (f *FakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	res := f.record(sql, args)
	if res != nil && res.err != nil {
		return pgconn.CommandTag{}, res.err
	}
	if res != nil && res.tag != nil {
		return *res.tag, nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

// Query implements the store DB interface.
func (f *FakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	res := f.record(sql, args)
	if res != nil && res.err != nil {
		return nil, res.err
	}
	rows := &fakeRows{}
	if res != nil {
		rows.rows = res.rows
	}
	return rows, nil
}

// QueryRow implements the store DB interface.
func (f *FakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	res := f.record(sql, args)
	if res == nil {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	if res.err != nil {
		return &fakeRow{err: res.err}
	}
	if len(res.rows) == 0 {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	return &fakeRow{values: res.rows[0]}
}

// Begin returns a transaction that routes statements back to the fake.
func (f *FakeDB) Begin(_ context.Context) (pgx.Tx, error) {
	return &fakeTx{db: f}, nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return fmt.Errorf("testutil: Scan without Next")
	}
	return assignAll(dest, r.rows[r.idx-1])
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, fmt.Errorf("testutil: Values without Next")
	}
	return r.rows[r.idx-1], nil
}

type fakeTx struct {
	db *FakeDB
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { return nil }
func (t *fakeTx) Rollback(ctx context.Context) error        { return nil }
func (t *fakeTx) Conn() *pgx.Conn                           { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects            { return pgx.LargeObjects{} }

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, fmt.Errorf("testutil: CopyFrom not supported")
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("testutil: SendBatch not supported")
}

func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, fmt.Errorf("testutil: Prepare not supported")
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

// assignAll copies scripted values into Scan destinations, converting
// assignable and convertible types.
func assignAll(dest, src []any) error {
	if len(dest) != len(src) {
		return fmt.Errorf("testutil: scan %d destinations, %d values", len(dest), len(src))
	}
	for i, d := range dest {
		if err := assign(d, src[i]); err != nil {
			return fmt.Errorf("testutil: column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, src any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination must be a non-nil pointer")
	}
	elem := dv.Elem()
	if src == nil {
		elem.SetZero()
		return nil
	}
	sv := reflect.ValueOf(src)
	switch {
	case sv.Type().AssignableTo(elem.Type()):
		elem.Set(sv)
	case sv.Type().ConvertibleTo(elem.Type()):
		elem.Set(sv.Convert(elem.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %T", src, dest)
	}
	return nil
}
