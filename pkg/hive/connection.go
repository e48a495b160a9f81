package hive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	hivedriver "github.com/taozle/go-hive-driver"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kube-reporting/billing-ingest/pkg/db"
)

// Connect opens a database/sql handle for a hive://user@host:port DSN and
// waits until the server accepts a session.
func Connect(ctx context.Context, logger log.FieldLogger, dsn string, connBackoff time.Duration, maxRetries int) (*sql.DB, error) {
	connector, err := hivedriver.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid hive DSN: %v", err)
	}
	conn := sql.OpenDB(connector)

	backoff := wait.Backoff{
		Duration: connBackoff,
		Factor:   1.25,
		Steps:    maxRetries,
	}
	err = wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		if err := conn.PingContext(ctx); err != nil {
			logger.WithError(err).Debugf("error encountered when connecting to hive, backing off and trying again")
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		conn.Close()
		if wait.Interrupted(err) {
			return nil, fmt.Errorf("timed out while waiting to connect to hive")
		}
		return nil, err
	}
	return conn, nil
}

// reconnectingExecer implements db.Execer and retries a statement when it
// fails because the hive connection was dropped.
type reconnectingExecer struct {
	execer     db.Execer
	logger     log.FieldLogger
	maxRetries int
}

func NewReconnectingExecer(execer db.Execer, logger log.FieldLogger, maxRetries int) db.Execer {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &reconnectingExecer{
		execer:     execer,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

func (e *reconnectingExecer) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var lastErr error
	for retries := 0; retries < e.maxRetries; retries++ {
		res, err := e.execer.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if !isConnectionError(err) {
			// the statement itself failed
			return nil, err
		}
		lastErr = err
		e.logger.WithError(err).Debugf("error occurred while executing statement, retrying")
	}
	return nil, fmt.Errorf("unable to execute hive statement after %d attempts: %v", e.maxRetries, lastErr)
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}
