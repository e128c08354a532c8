package remote

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqldblogger "github.com/simukti/sqldb-logger"
	"github.com/simukti/sqldb-logger/logadapter/logrusadapter"
	"github.com/sirupsen/logrus"
)

const (
	connectAttempts = 30
	connectDelay    = 2 * time.Second
)

// OpenDB opens the PostgreSQL pool and waits for the server to accept
// connections. With logQueries set every statement is logged at debug level.
func OpenDB(ctx context.Context, dsn string, logQueries bool, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open the database: %w", err)
	}

	if logQueries {
		db = withQueryLog(db, dsn, logger)
	}

	for i := 0; i < connectAttempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			return db, nil
		}
		logger.WithError(err).Info("Waiting for database...")

		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(connectDelay):
		}
	}

	db.Close()
	return nil, fmt.Errorf("failed to connect to the database: %w", err)
}

// withQueryLog replaces db with a pool on the same driver that logs every
// statement. db is closed.
func withQueryLog(db *sql.DB, dsn string, logger *logrus.Logger) *sql.DB {
	logged := sqldblogger.OpenDriver(dsn, db.Driver(), logrusadapter.New(logger))
	if err := db.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close the unlogged database pool")
	}
	return logged
}
