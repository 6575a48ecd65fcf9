// Package sqlfeed follows an append-only outbox table as a changefeed
// source. Rows are read in id order; the last delivered id is the resume
// token.
package sqlfeed

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"    // registers "pgx"
	_ "github.com/mattn/go-sqlite3"       // registers "sqlite3"
	_ "github.com/rqlite/gorqlite/stdlib" // registers "rqlite"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	apperrors "github.com/sjwalker189/mongodb-tools/pkg/errors"
)

const serviceName = "sql"

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverRQLite   = "rqlite"
	DriverPostgres = "pgx"
)

// OpenDB opens a pooled connection for driver.
func OpenDB(driver, dsn string) (*sql.DB, error) {
	if _, err := dialectFor(driver); err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, apperrors.NewServiceError(serviceName, fmt.Sprintf("failed to open %s connection", driver), err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Second)
	db.SetConnMaxIdleTime(10 * time.Second)
	return db, nil
}

type dialect struct {
	driver    string
	// numbered placeholders ($1) instead of ?
	numbered  bool
	idColumn  string
	returning bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, DriverRQLite:
		return dialect{driver: driver, idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT"}, nil
	case DriverPostgres:
		return dialect{driver: driver, numbered: true, idColumn: "BIGSERIAL PRIMARY KEY", returning: true}, nil
	default:
		return dialect{}, apperrors.NewValidationError("driver", "unsupported driver", driver)
	}
}

func (d dialect) arg(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func validTable(table string) error {
	if table == "" {
		return apperrors.NewValidationError("table", "must not be empty", table)
	}
	for i, r := range table {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return apperrors.NewValidationError("table", "letters, digits and underscores only", table)
		}
	}
	return nil
}

// EnsureSchema creates the outbox table when it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB, driver, table string) error {
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	if err := validTable(table); err != nil {
		return err
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id %s,
	operation TEXT NOT NULL,
	namespace TEXT NOT NULL DEFAULT '',
	document_key TEXT NOT NULL DEFAULT '',
	payload TEXT,
	created_at BIGINT NOT NULL
)`, table, d.idColumn)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return apperrors.NewServiceError(serviceName, "failed to create outbox table", err)
	}
	return nil
}

// Append inserts ev into the outbox and returns its id. A zero ev.Time is
// stamped with the current time.
func Append(ctx context.Context, db *sql.DB, driver, table string, ev changefeed.Event) (int64, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return 0, err
	}
	if err := validTable(table); err != nil {
		return 0, err
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	var payload sql.NullString
	if len(ev.Payload) > 0 {
		payload = sql.NullString{String: string(ev.Payload), Valid: true}
	}

	query := fmt.Sprintf("INSERT INTO %s (operation, namespace, document_key, payload, created_at) VALUES (%s, %s, %s, %s, %s)",
		table, d.arg(1), d.arg(2), d.arg(3), d.arg(4), d.arg(5))
	args := []any{ev.Operation, ev.Namespace, ev.DocumentKey, payload, at.UnixMilli()}

	if d.returning {
		var id int64
		if err := db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, apperrors.NewServiceError(serviceName, "failed to append outbox row", err)
		}
		return id, nil
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewServiceError(serviceName, "failed to append outbox row", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.NewServiceError(serviceName, "driver did not report the new row id", err)
	}
	return id, nil
}
