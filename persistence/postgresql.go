// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/wfunc/casefile/config"
	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/state"
)

// PostgreSQLAuditor runs the ledger audit over its own small database/sql
// pool, in read-only transactions, so scheduled audits never queue behind
// lifecycle writes for a gorm connection.
type PostgreSQLAuditor struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgreSQLAuditor(cfg config.PostgresConfig) (*PostgreSQLAuditor, error) {
	return OpenPostgreSQLAuditor(cfg.DSN())
}

func OpenPostgreSQLAuditor(dsn string) (*PostgreSQLAuditor, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgreSQLAuditor{db: db, timeout: 30 * time.Second}, nil
}

func (a *PostgreSQLAuditor) readOnly(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *PostgreSQLAuditor) LedgerMismatches(ctx context.Context) ([]models.LedgerMismatch, error) {
	var out []models.LedgerMismatch
	err := a.readOnly(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, ledgerMismatchSQL)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m models.LedgerMismatch
			if err := rows.Scan(&m.UserID, &m.Cached, &m.Ledger); err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// StatusCounts reports how many cases sit in each lifecycle status.
func (a *PostgreSQLAuditor) StatusCounts(ctx context.Context) (map[state.Status]int64, error) {
	counts := make(map[state.Status]int64, len(state.Lifecycle))
	err := a.readOnly(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM cases GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				raw string
				n   int64
			)
			if err := rows.Scan(&raw, &n); err != nil {
				return err
			}
			st, err := state.ParseStatus(raw)
			if err != nil {
				return err
			}
			counts[st] = n
		}
		return rows.Err()
	})
	return counts, err
}

func (a *PostgreSQLAuditor) Close() error {
	return a.db.Close()
}
