package presto

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/prestodb/presto-go-client/presto"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

// NewPrestoConnWithRetry opens a connection for an
// http://user@host:port?catalog=hive&schema=default DSN and waits until
// presto answers a trivial query.
func NewPrestoConnWithRetry(ctx context.Context, logger log.FieldLogger, connStr string, connBackoff time.Duration, maxRetries int) (*sql.DB, error) {
	db, err := sql.Open("presto", connStr)
	if err != nil {
		return nil, err
	}
	backoff := wait.Backoff{
		Duration: connBackoff,
		Factor:   1.25,
		Steps:    maxRetries,
	}
	cond := func(ctx context.Context) (bool, error) {
		if err := ExecQuery(ctx, db, "SELECT 1"); err != nil {
			logger.WithError(err).Debugf("error encountered, backing off and trying again: %v", err)
			return false, nil
		}
		return true, nil
	}
	err = wait.ExponentialBackoffWithContext(ctx, backoff, cond)
	if err != nil {
		db.Close()
		if wait.Interrupted(err) {
			return nil, fmt.Errorf("timed out while waiting to connect to presto")
		}
		return nil, err
	}

	return db, nil
}
