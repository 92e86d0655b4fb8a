package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"iris/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows ---

// mockRows implements pgx.Rows by replaying one scan function per row.
type mockRows struct {
	scans  []func(dest ...any) error
	idx    int
	closed bool
	errVal error
}

func newMockRows(scans ...func(dest ...any) error) *mockRows {
	return &mockRows{scans: scans, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.scans)
}

func (r *mockRows) Scan(dest ...any) error {
	return r.scans[r.idx](dest...)
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- Mock transaction plumbing ---

// passthroughTx runs fn directly, standing in for a real transaction.
type passthroughTx struct {
	calls int
}

func (p *passthroughTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(ctx)
}

// mockTx embeds pgx.Tx so only the methods TxManager calls need bodies.
type mockTx struct {
	pgx.Tx
	commitErr   error
	rollbackErr error
	committed   bool
	rolledBack  bool
}

func (t *mockTx) Commit(ctx context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *mockTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return t.rollbackErr
}

type mockBeginner struct {
	tx    *mockTx
	err   error
	calls int
}

func (b *mockBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}

// --- Fixtures ---

// profileRowFn returns a scan function filling the profileColumns targets
// from p. usageJSON is the raw stored document (nil for SQL NULL).
func profileRowFn(p types.Profile, usageJSON []byte) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = p.UID
		*dest[1].(*string) = p.Email
		*dest[2].(*string) = p.DisplayName
		if p.PhotoURL != "" {
			photo := p.PhotoURL
			*dest[3].(**string) = &photo
		}
		*dest[4].(*types.Role) = p.Role
		*dest[5].(*types.Plan) = p.Plan
		*dest[6].(**time.Time) = p.PlanPurchasedAt
		*dest[7].(**time.Time) = p.PlanExpiresAt
		*dest[8].(**string) = p.Org.CollegeID
		*dest[9].(**string) = p.Org.DeptID
		*dest[10].(**string) = p.Org.SectionID
		*dest[11].(**string) = p.Assigned.CollegeID
		*dest[12].(**string) = p.Assigned.DeptID
		*dest[13].(**string) = p.Assigned.SectionID
		*dest[14].(*[]byte) = usageJSON
		*dest[15].(*time.Time) = p.CreatedAt
		*dest[16].(*time.Time) = p.LastUpdated
		return nil
	}
}

func strPtr(s string) *string { return &s }

func pgconnTag(s string) pgconn.CommandTag { return pgconn.NewCommandTag(s) }
