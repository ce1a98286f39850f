package registry

import (
	"database/sql"
	"time"
)

// SQLCorrelationSink persists correlations into the main database's
// correlations table.
type SQLCorrelationSink struct {
	db *sql.DB
}

// NewSQLCorrelationSink wraps db for correlation persistence.
func NewSQLCorrelationSink(db *sql.DB) *SQLCorrelationSink {
	return &SQLCorrelationSink{db: db}
}

// RecordCorrelation implements CorrelationSink. Write failures are dropped
// silently: correlation history is diagnostic, and a broken main db will
// surface through the task store long before it matters here.
func (s *SQLCorrelationSink) RecordCorrelation(c Correlation) {
	transient := 0
	if c.Transient {
		transient = 1
	}
	var completed any
	if !c.CompletedAt.IsZero() {
		completed = c.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, _ = s.db.Exec(
		`INSERT OR REPLACE INTO correlations (id, kind, handler, provider_name, action_type, request_data, response_data, status, requested_at, completed_at, error_message, transient)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Kind, c.Handler, c.ProviderName, c.ActionType, c.RequestData, c.ResponseData, c.Status,
		c.RequestedAt.UTC().Format(time.RFC3339Nano), completed, c.ErrorMessage, transient,
	)
}
