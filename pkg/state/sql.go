package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/db"
)

type dialect struct {
	driver string
	// attemptSeq is the column definition of the attempts ordering column.
	attemptSeq string
	// forUpdate is appended to reads that precede an update in the same
	// transaction.
	forUpdate string
	positional bool
}

var (
	sqliteDialect = dialect{
		driver:     "sqlite3",
		attemptSeq: "seq INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		driver:     "pgx",
		attemptSeq: "seq BIGSERIAL PRIMARY KEY",
		forUpdate:  " FOR UPDATE",
		positional: true,
	}
)

// rebind replaces ? placeholders with $1, $2... for drivers which need
// positional parameters.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS load_state (
	vendor TEXT NOT NULL,
	export_name TEXT NOT NULL,
	billing_period TEXT NOT NULL,
	current_version TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	attempt_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (vendor, export_name, billing_period)
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS load_attempts (
	%s,
	attempt_id TEXT NOT NULL UNIQUE,
	vendor TEXT NOT NULL,
	export_name TEXT NOT NULL,
	billing_period TEXT NOT NULL,
	version_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL DEFAULT '',
	file_count BIGINT NOT NULL DEFAULT 0,
	row_count BIGINT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT ''
)`, d.attemptSeq),
		`CREATE INDEX IF NOT EXISTS load_attempts_key ON load_attempts (vendor, export_name, billing_period)`,
	}
}

// SQLStore keeps state in a relational database: a load_state row per key
// and an append-only load_attempts log.
type SQLStore struct {
	db         *sql.DB
	dialect    dialect
	clock      clock.PassiveClock
	logger     log.FieldLogger
	logQueries bool
}

var _ Store = &SQLStore{}

// OpenSQLite opens (creating if needed) a SQLite state database at path.
func OpenSQLite(ctx context.Context, path string, clk clock.PassiveClock, logger log.FieldLogger, logQueries bool) (*SQLStore, error) {
	conn, err := sql.Open(sqliteDialect.driver, path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps the compare-and-set
	// free of SQLITE_BUSY errors
	conn.SetMaxOpenConns(1)
	return newSQLStore(ctx, conn, sqliteDialect, clk, logger, logQueries)
}

// OpenPostgres connects to PostgreSQL using a pgx connection string.
func OpenPostgres(ctx context.Context, dsn string, clk clock.PassiveClock, logger log.FieldLogger, logQueries bool) (*SQLStore, error) {
	conn, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(ctx, conn, postgresDialect, clk, logger, logQueries)
}

func newSQLStore(ctx context.Context, conn *sql.DB, d dialect, clk clock.PassiveClock, logger log.FieldLogger, logQueries bool) (*SQLStore, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &SQLStore{
		db:         conn,
		dialect:    d,
		clock:      clk,
		logger:     logger.WithField("component", "sqlStore"),
		logQueries: logQueries,
	}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	q := s.queryer(s.db)
	for _, stmt := range s.dialect.schema() {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return storageErr("migrate", "", err)
		}
	}
	return nil
}

func (s *SQLStore) queryer(qe db.QueryExecer) db.QueryExecer {
	return db.NewLoggingQueryExecer(qe, s.logger, s.logQueries)
}

func storageErr(op string, key interface{}, err error) error {
	return billing.NewStorageError(op, fmt.Sprint(key), err)
}

// inTx runs fn in a transaction, committing when fn returns nil.
func (s *SQLStore) inTx(ctx context.Context, op string, key interface{}, fn func(q db.QueryExecer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, key, err)
	}
	if err := fn(s.queryer(tx)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, key, err)
	}
	return nil
}

func (s *SQLStore) CurrentVersion(ctx context.Context, key Key) (billing.VersionID, bool, error) {
	var version string
	err := s.queryer(s.db).QueryRowContext(ctx, s.dialect.rebind(
		`SELECT current_version FROM load_state WHERE vendor = ? AND export_name = ? AND billing_period = ?`),
		key.Vendor, key.Export, key.Period.String(),
	).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, storageErr("current version", key, err)
	}
	return billing.VersionID(version), version != "", nil
}

const entryColumns = `s.billing_period, s.current_version, s.status,
	a.attempt_id, a.version_id, a.status, a.started_at, a.completed_at, a.file_count, a.row_count, a.error_message`

const entryFrom = `FROM load_state s LEFT JOIN load_attempts a ON a.attempt_id = s.attempt_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner, vendor, export string) (Entry, error) {
	var (
		period, current, status string
		id, version, aStatus    sql.NullString
		started, completed      sql.NullString
		files, rows             sql.NullInt64
		message                 sql.NullString
	)
	if err := row.Scan(&period, &current, &status, &id, &version, &aStatus, &started, &completed, &files, &rows, &message); err != nil {
		return Entry{}, err
	}
	p, err := billing.ParsePeriod(period)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		Key:            Key{Vendor: vendor, Export: export, Period: p},
		CurrentVersion: billing.VersionID(current),
		Status:         Status(status),
	}
	if id.Valid {
		attempt, err := buildAttempt(entry.Key, id.String, version.String, aStatus.String, started.String, completed.String, files.Int64, rows.Int64, message.String)
		if err != nil {
			return Entry{}, err
		}
		entry.LastAttempt = &attempt
	}
	return entry, nil
}

func buildAttempt(key Key, id, version, status, started, completed string, files, rows int64, message string) (Attempt, error) {
	startedAt, err := parseTime(started)
	if err != nil {
		return Attempt{}, err
	}
	completedAt, err := parseTime(completed)
	if err != nil {
		return Attempt{}, err
	}
	return Attempt{
		ID:           id,
		Key:          key,
		Version:      billing.VersionID(version),
		Status:       Status(status),
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
		FileCount:    files,
		RowCount:     rows,
		ErrorMessage: message,
	}, nil
}

func (s *SQLStore) Get(ctx context.Context, key Key) (Entry, error) {
	row := s.queryer(s.db).QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+entryColumns+` `+entryFrom+` WHERE s.vendor = ? AND s.export_name = ? AND s.billing_period = ?`),
		key.Vendor, key.Export, key.Period.String(),
	)
	entry, err := scanEntry(row, key.Vendor, key.Export)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Entry{Key: key, Status: StatusNotStarted}, nil
	case err != nil:
		return Entry{}, storageErr("get", key, err)
	}
	return entry, nil
}

func (s *SQLStore) BeginAttempt(ctx context.Context, key Key, version billing.VersionID) (Handle, error) {
	h := Handle{AttemptID: uuid.New().String(), Key: key, Version: version}
	period := key.Period.String()
	err := s.inTx(ctx, "begin attempt", key, func(q db.QueryExecer) error {
		_, err := q.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO load_state (vendor, export_name, billing_period, status) VALUES (?, ?, ?, ?)
ON CONFLICT (vendor, export_name, billing_period) DO NOTHING`),
			key.Vendor, key.Export, period, string(StatusNotStarted))
		if err != nil {
			return storageErr("begin attempt", key, err)
		}

		res, err := q.ExecContext(ctx, s.dialect.rebind(
			`UPDATE load_state SET status = ?, attempt_id = ?
WHERE vendor = ? AND export_name = ? AND billing_period = ? AND status <> ?`),
			string(StatusInProgress), h.AttemptID, key.Vendor, key.Export, period, string(StatusInProgress))
		if err != nil {
			return storageErr("begin attempt", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("begin attempt", key, err)
		}
		if n != 1 {
			return conflictErr(key)
		}

		_, err = q.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO load_attempts (attempt_id, vendor, export_name, billing_period, version_id, status, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
			h.AttemptID, key.Vendor, key.Export, period, version.String(), string(StatusInProgress), formatTime(s.clock.Now()))
		if err != nil {
			return storageErr("begin attempt", key, err)
		}
		return nil
	})
	if err != nil {
		return Handle{}, err
	}
	return h, nil
}

// finish moves an InProgress attempt to status and updates the state row
// if it still points at the attempt.
func (s *SQLStore) finish(ctx context.Context, h Handle, status Status, files, rows int64, message string) error {
	op := "complete attempt"
	if status == StatusFailed {
		op = "fail attempt"
	}
	return s.inTx(ctx, op, h.Key, func(q db.QueryExecer) error {
		var vendor, export, period, version, current string
		err := q.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT vendor, export_name, billing_period, version_id, status FROM load_attempts WHERE attempt_id = ?`+s.dialect.forUpdate),
			h.AttemptID,
		).Scan(&vendor, &export, &period, &version, &current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return noActiveErr(h)
		case err != nil:
			return storageErr(op, h.Key, err)
		}
		if vendor != h.Key.Vendor || export != h.Key.Export || period != h.Key.Period.String() {
			return noActiveErr(h)
		}
		switch Status(current) {
		case status:
			return nil
		case StatusInProgress:
		default:
			return noActiveErr(h)
		}

		res, err := q.ExecContext(ctx, s.dialect.rebind(
			`UPDATE load_attempts SET status = ?, completed_at = ?, file_count = ?, row_count = ?, error_message = ?
WHERE attempt_id = ? AND status = ?`),
			string(status), formatTime(s.clock.Now()), files, rows, message, h.AttemptID, string(StatusInProgress))
		if err != nil {
			return storageErr(op, h.Key, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return storageErr(op, h.Key, err)
		} else if n != 1 {
			return noActiveErr(h)
		}

		if status == StatusCompleted {
			_, err = q.ExecContext(ctx, s.dialect.rebind(
				`UPDATE load_state SET status = ?, current_version = ?
WHERE vendor = ? AND export_name = ? AND billing_period = ? AND attempt_id = ?`),
				string(status), version, vendor, export, period, h.AttemptID)
		} else {
			_, err = q.ExecContext(ctx, s.dialect.rebind(
				`UPDATE load_state SET status = ?
WHERE vendor = ? AND export_name = ? AND billing_period = ? AND attempt_id = ?`),
				string(status), vendor, export, period, h.AttemptID)
		}
		if err != nil {
			return storageErr(op, h.Key, err)
		}
		return nil
	})
}

func (s *SQLStore) CompleteAttempt(ctx context.Context, h Handle, fileCount, rowCount int64) error {
	return s.finish(ctx, h, StatusCompleted, fileCount, rowCount, "")
}

func (s *SQLStore) FailAttempt(ctx context.Context, h Handle, message string) error {
	return s.finish(ctx, h, StatusFailed, 0, 0, message)
}

func (s *SQLStore) History(ctx context.Context, key Key) ([]Attempt, error) {
	rows, err := s.queryer(s.db).QueryContext(ctx, s.dialect.rebind(
		`SELECT attempt_id, version_id, status, started_at, completed_at, file_count, row_count, error_message
FROM load_attempts WHERE vendor = ? AND export_name = ? AND billing_period = ? ORDER BY seq DESC`),
		key.Vendor, key.Export, key.Period.String())
	if err != nil {
		return nil, storageErr("history", key, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			id, version, status, started, completed, message string
			files, count                                     int64
		)
		if err := rows.Scan(&id, &version, &status, &started, &completed, &files, &count, &message); err != nil {
			return nil, storageErr("history", key, err)
		}
		attempt, err := buildAttempt(key, id, version, status, started, completed, files, count, message)
		if err != nil {
			return nil, storageErr("history", key, err)
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("history", key, err)
	}
	return out, nil
}

func (s *SQLStore) List(ctx context.Context, vendor, export string) ([]Entry, error) {
	name := vendor + "/" + export
	rows, err := s.queryer(s.db).QueryContext(ctx, s.dialect.rebind(
		`SELECT `+entryColumns+` `+entryFrom+` WHERE s.vendor = ? AND s.export_name = ? ORDER BY s.billing_period`),
		vendor, export)
	if err != nil {
		return nil, storageErr("list", name, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows, vendor, export)
		if err != nil {
			return nil, storageErr("list", name, err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", name, err)
	}
	return out, nil
}

func (s *SQLStore) Reset(ctx context.Context, vendor, export string) error {
	name := vendor + "/" + export
	return s.inTx(ctx, "reset", name, func(q db.QueryExecer) error {
		var period string
		err := q.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT billing_period FROM load_state WHERE vendor = ? AND export_name = ? AND status = ?`),
			vendor, export, string(StatusInProgress),
		).Scan(&period)
		switch {
		case err == nil:
			p, _ := billing.ParsePeriod(period)
			return conflictErr(Key{Vendor: vendor, Export: export, Period: p})
		case !errors.Is(err, sql.ErrNoRows):
			return storageErr("reset", name, err)
		}

		for _, table := range []string{"load_attempts", "load_state"} {
			_, err := q.ExecContext(ctx, s.dialect.rebind(
				`DELETE FROM `+table+` WHERE vendor = ? AND export_name = ?`), vendor, export)
			if err != nil {
				return storageErr("reset", name, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
