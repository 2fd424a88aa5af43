package loader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// sqlConn is the part of *pgx.Conn the SQL producer uses
type sqlConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close(ctx context.Context) error
}

func pgxConnect(ctx context.Context, dsn string) (sqlConn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SQL reads identifiers from PostgreSQL. CountQuery returns one integer,
// IDQuery returns one text column per identifier.
type SQL struct {
	dsn        string
	countQuery string
	idQuery    string
	batchRef   string
	rewrite    Rewriter
	log        *slog.Logger
	connect    func(ctx context.Context, dsn string) (sqlConn, error)

	conn    sqlConn
	rows    pgx.Rows
	total   int
	next    string
	hasNext bool
}

// NewSQL creates a SQL producer
func NewSQL(spec Spec) (*SQL, error) {
	if spec.DSN == "" {
		return nil, fmt.Errorf("sql loader needs a dsn")
	}
	if spec.CountQuery == "" || spec.IDQuery == "" {
		return nil, fmt.Errorf("sql loader needs count_query and id_query")
	}
	rw, err := ParseReplacePattern(spec.replacePattern())
	if err != nil {
		return nil, err
	}
	return &SQL{
		dsn:        spec.DSN,
		countQuery: spec.CountQuery,
		idQuery:    spec.IDQuery,
		batchRef:   spec.Props.BatchRef(),
		rewrite:    rw,
		log:        logging.OrDefault(spec.Logger),
		connect:    pgxConnect,
	}, nil
}

func (l *SQL) Open(ctx context.Context) error {
	conn, err := l.connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to identifier database: %w", err)
	}

	var total int64
	if err := conn.QueryRow(ctx, l.countQuery).Scan(&total); err != nil {
		conn.Close(ctx)
		return fmt.Errorf("failed to run count query: %w", err)
	}

	rows, err := conn.Query(ctx, l.idQuery)
	if err != nil {
		conn.Close(ctx)
		return fmt.Errorf("failed to run id query: %w", err)
	}

	l.conn, l.rows, l.total = conn, rows, int(total)
	l.log.Info("Opened identifier query", "expected", l.total)
	return nil
}

func (l *SQL) HasNext() (bool, error) {
	if l.rows == nil {
		return false, ErrNotOpen
	}
	if l.hasNext {
		return true, nil
	}
	if !l.rows.Next() {
		if err := l.rows.Err(); err != nil {
			return false, fmt.Errorf("failed to read identifiers: %w", err)
		}
		return false, nil
	}
	if err := l.rows.Scan(&l.next); err != nil {
		return false, fmt.Errorf("failed to scan identifier: %w", err)
	}
	l.hasNext = true
	return true, nil
}

func (l *SQL) Next() (types.WorkID, error) {
	ok, err := l.HasNext()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrExhausted
	}
	l.hasNext = false
	return types.WorkID(l.rewrite.Apply(l.next)), nil
}

func (l *SQL) ExpectedCount() int { return l.total }

func (l *SQL) BatchRef() string { return l.batchRef }

func (l *SQL) Close() error {
	if l.rows != nil {
		l.rows.Close()
		l.rows = nil
	}
	if l.conn == nil {
		return nil
	}
	l.log.Info("Closing identifier database connection")
	err := l.conn.Close(context.Background())
	l.conn = nil
	return err
}
