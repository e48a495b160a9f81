package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type QueryExecer interface {
	Queryer
	Execer
}

type loggingQueryExecer struct {
	qe         QueryExecer
	logger     log.FieldLogger
	logQueries bool
}

// NewLoggingQueryExecer wraps qe so every statement is logged at debug
// level when logQueries is set.
func NewLoggingQueryExecer(qe QueryExecer, logger log.FieldLogger, logQueries bool) QueryExecer {
	if !logQueries {
		return qe
	}
	return &loggingQueryExecer{
		qe:         qe,
		logger:     logger,
		logQueries: logQueries,
	}
}

func (l *loggingQueryExecer) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if l.logQueries {
		l.logger.Debugf("QUERY: %s [%s]", query, argsString(args...))
	}
	return l.qe.QueryContext(ctx, query, args...)
}

func (l *loggingQueryExecer) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if l.logQueries {
		l.logger.Debugf("QUERY: %s [%s]", query, argsString(args...))
	}
	return l.qe.QueryRowContext(ctx, query, args...)
}

func (l *loggingQueryExecer) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if l.logQueries {
		l.logger.Debugf("EXEC: %s [%s]", query, argsString(args...))
	}
	return l.qe.ExecContext(ctx, query, args...)
}

// ExecQuery runs a statement through QueryContext and drains the result.
// Drivers such as presto only report statement failures while rows are
// being read, and some have no ExecContext at all.
func ExecQuery(ctx context.Context, queryer Queryer, query string, args ...interface{}) error {
	rows, err := queryer.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

// argsString pretty prints arguments passed into it for logging query
// arguments
func argsString(args ...interface{}) string {
	var margs strings.Builder
	for i, a := range args {
		var v interface{} = a
		if x, ok := v.(driver.Valuer); ok {
			y, err := x.Value()
			if err == nil {
				v = y
			}
		}
		switch v.(type) {
		case string, []byte:
			v = fmt.Sprintf("%q", v)
		default:
			v = fmt.Sprintf("%v", v)
		}
		fmt.Fprintf(&margs, "%d:%s", i+1, v)
		if i+1 < len(args) {
			margs.WriteString(" ")
		}
	}
	return margs.String()
}
