package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/store"
)

// Fake database/sql driver so the repo's read-validate-write path runs
// against scripted rows without a live Postgres.

var reportDriverSeq atomic.Int64

type reportQueryHandler func(query string, args []driver.Value) (driver.Rows, error)

type reportFakeDriver struct{ conn *reportFakeConn }
type reportFakeConn struct {
	queryHandler reportQueryHandler
	execs        []string
}
type reportFakeTx struct{}

func (d *reportFakeDriver) Open(string) (driver.Conn, error) { return d.conn, nil }
func (c *reportFakeConn) Prepare(query string) (driver.Stmt, error) {
	return &reportFakeStmt{conn: c, query: query}, nil
}
func (c *reportFakeConn) Close() error              { return nil }
func (c *reportFakeConn) Begin() (driver.Tx, error) { return &reportFakeTx{}, nil }
func (*reportFakeTx) Commit() error                 { return nil }
func (*reportFakeTx) Rollback() error               { return nil }

type reportFakeStmt struct {
	conn  *reportFakeConn
	query string
}

func (s *reportFakeStmt) Close() error  { return nil }
func (s *reportFakeStmt) NumInput() int { return -1 }
func (s *reportFakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	s.conn.execs = append(s.conn.execs, s.query)
	return driver.RowsAffected(1), nil
}
func (s *reportFakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	if s.conn.queryHandler != nil {
		return s.conn.queryHandler(s.query, args)
	}
	return &statusRows{}, nil
}

// statusRows yields at most one status row.
type statusRows struct {
	status string
	served bool
}

func (r *statusRows) Columns() []string { return []string{"status"} }
func (r *statusRows) Close() error      { return nil }
func (r *statusRows) Next(dest []driver.Value) error {
	if r.served || r.status == "" {
		return io.EOF
	}
	dest[0] = r.status
	r.served = true
	return nil
}

func openReportRepo(t *testing.T, conn *reportFakeConn) *ReportRepo {
	t.Helper()
	name := fmt.Sprintf("fake_reports_%d", reportDriverSeq.Add(1))
	sql.Register(name, &reportFakeDriver{conn: conn})
	raw, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewReportRepo(&DB{raw})
}

func TestReportUpdateStatusAllowsGuardedTransition(t *testing.T) {
	conn := &reportFakeConn{
		queryHandler: func(query string, _ []driver.Value) (driver.Rows, error) {
			require.Contains(t, query, "FOR UPDATE")
			return &statusRows{status: string(model.ReportStatusInReview)}, nil
		},
	}
	repo := openReportRepo(t, conn)

	err := repo.UpdateStatus(context.Background(), uuid.New(), model.ReportStatusResolved)
	require.NoError(t, err)

	var updated bool
	for _, q := range conn.execs {
		if strings.Contains(q, "UPDATE reconciliation_reports") {
			updated = true
		}
	}
	assert.True(t, updated, "status update statement was never issued")
}

func TestReportUpdateStatusRejectsIllegalTransition(t *testing.T) {
	conn := &reportFakeConn{
		queryHandler: func(string, []driver.Value) (driver.Rows, error) {
			return &statusRows{status: string(model.ReportStatusPendingReview)}, nil
		},
	}
	repo := openReportRepo(t, conn)

	// A report must pass through in_review before resolution.
	err := repo.UpdateStatus(context.Background(), uuid.New(), model.ReportStatusResolved)
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	for _, q := range conn.execs {
		assert.NotContains(t, q, "UPDATE reconciliation_reports")
	}
}

func TestReportUpdateStatusUnknownReport(t *testing.T) {
	conn := &reportFakeConn{
		queryHandler: func(string, []driver.Value) (driver.Rows, error) {
			return &statusRows{}, nil
		},
	}
	repo := openReportRepo(t, conn)

	err := repo.UpdateStatus(context.Background(), uuid.New(), model.ReportStatusInReview)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendStatementTimeout(t *testing.T) {
	assert.Equal(t,
		"postgres://h/db?options=-c%20statement_timeout%3D30000",
		appendStatementTimeout("postgres://h/db", 30000))
	assert.Equal(t,
		"postgres://h/db?sslmode=disable&options=-c%20statement_timeout%3D30000",
		appendStatementTimeout("postgres://h/db?sslmode=disable", 30000))
}
