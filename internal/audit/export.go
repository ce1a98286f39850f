package audit

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/cloud/gcp"
	_ "modernc.org/sqlite"
)

// ExportFormat selects the exporter's on-disk representation.
type ExportFormat string

const (
	FormatJSONL  ExportFormat = "jsonl"
	FormatCSV    ExportFormat = "csv"
	FormatSQLite ExportFormat = "sqlite"
)

// exportInterval is how often the background exporter drains its buffer.
const exportInterval = 60 * time.Second

// oneShotExportLimit caps ExportData result size.
const oneShotExportLimit = 10000

// exportRecord is the flattened form written to every export format.
type exportRecord struct {
	EntryID   string            `json:"entry_id"`
	Timestamp string            `json:"timestamp"`
	EntityID  string            `json:"entity_id"`
	EventType string            `json:"event_type"`
	Actor     string            `json:"actor"`
	Outcome   string            `json:"outcome"`
	Details   map[string]string `json:"details"`
}

func toRecord(e *Entry) exportRecord {
	return exportRecord{
		EntryID:   e.EntryID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		EntityID:  e.EntityID,
		EventType: string(e.EventType),
		Actor:     e.Actor,
		Outcome:   e.Outcome,
		Details:   e.Details,
	}
}

// Exporter buffers entries and flushes them to the configured path in the
// configured format on a fixed interval. An optional cloud logger mirrors
// each flushed entry as a structured log line.
type Exporter struct {
	path    string
	format  ExportFormat
	logger  *zap.Logger
	cloud   gcp.LoggerInterface // optional structured-JSON mirror

	mu         sync.Mutex
	buffer     []*Entry
	wroteCSVHeader bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewExporter creates an Exporter targeting path in format. cloud may be
// nil.
func NewExporter(path string, format ExportFormat, logger *zap.Logger, cloud gcp.LoggerInterface) *Exporter {
	return &Exporter{path: path, format: format, logger: logger, cloud: cloud}
}

// Buffer queues one entry for the next flush.
func (x *Exporter) Buffer(e *Entry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.buffer = append(x.buffer, e)
}

// Start launches the background flush loop.
func (x *Exporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel
	x.done = make(chan struct{})

	go func() {
		defer close(x.done)
		ticker := time.NewTicker(exportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := x.Flush(); err != nil {
					x.logger.Error("audit export flush failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the background loop. Buffered entries stay queued for a final
// explicit Flush.
func (x *Exporter) Stop() {
	if x.cancel != nil {
		x.cancel()
		<-x.done
		x.cancel = nil
	}
}

// Flush writes every buffered entry to the export target.
func (x *Exporter) Flush() error {
	x.mu.Lock()
	batch := x.buffer
	x.buffer = nil
	x.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var err error
	switch x.format {
	case FormatCSV:
		err = x.appendCSV(x.path, batch, true)
	case FormatSQLite:
		err = appendSQLite(x.path, batch)
	default:
		err = appendJSONL(x.path, batch)
	}
	if err != nil {
		// Re-queue so a transient disk error doesn't lose entries.
		x.mu.Lock()
		x.buffer = append(batch, x.buffer...)
		x.mu.Unlock()
		return err
	}

	if x.cloud != nil {
		for _, e := range batch {
			fields := map[string]interface{}{
				"entry_id":   e.EntryID,
				"entity_id":  e.EntityID,
				"event_type": string(e.EventType),
				"actor":      e.Actor,
				"outcome":    e.Outcome,
			}
			x.cloud.Log(gcp.SeverityInfo, "audit entry", fields)
		}
	}
	return nil
}

func appendJSONL(path string, batch []*Entry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open export file: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	for _, e := range batch {
		data, err := json.Marshal(toRecord(e))
		if err != nil {
			return fmt.Errorf("audit: marshal export record: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("audit: write export record: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("audit: write export record: %w", err)
		}
	}
	return w.Flush()
}

var csvHeader = []string{"entry_id", "timestamp", "entity_id", "event_type", "actor", "outcome", "details"}

func (x *Exporter) appendCSV(path string, batch []*Entry, trackHeader bool) error {
	needHeader := true
	if trackHeader {
		needHeader = !x.wroteCSVHeader
	}
	if needHeader {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			needHeader = false
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open export file: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if needHeader {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("audit: write csv header: %w", err)
		}
	}
	for _, e := range batch {
		details, _ := json.Marshal(e.Details)
		row := []string{
			e.EntryID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.EntityID,
			string(e.EventType),
			e.Actor,
			e.Outcome,
			string(details),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if trackHeader {
		x.wroteCSVHeader = true
	}
	return nil
}

const exportSchema = `
CREATE TABLE IF NOT EXISTS audit_export (
	entry_id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	outcome TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}'
);
`

func appendSQLite(path string, batch []*Entry) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("audit: open export db: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(exportSchema); err != nil {
		return fmt.Errorf("audit: migrate export db: %w", err)
	}

	for _, e := range batch {
		details, _ := json.Marshal(e.Details)
		_, err := db.Exec(
			`INSERT OR REPLACE INTO audit_export (entry_id, timestamp, entity_id, event_type, actor, outcome, details)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.EntryID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.EntityID, string(e.EventType), e.Actor, e.Outcome, string(details),
		)
		if err != nil {
			return fmt.Errorf("audit: insert export row: %w", err)
		}
	}
	return nil
}

// ExportData performs a one-shot export of chain entries between start and
// end (zero values mean unbounded) into a fresh file next to path, capped
// at 10 000 entries, returning the generated file path.
func (s *Service) ExportData(start, end time.Time, format ExportFormat, dir string) (string, error) {
	if s.chain == nil {
		return "", fmt.Errorf("audit: export requires the chain db")
	}

	entries, err := s.queryChain(Query{Start: start, End: end})
	if err != nil {
		return "", err
	}
	if len(entries) > oneShotExportLimit {
		entries = entries[:oneShotExportLimit]
	}

	name := "audit_export_" + strconv.FormatInt(s.clock.Now().Unix(), 10)
	var path string
	switch format {
	case FormatCSV:
		path = dir + "/" + name + ".csv"
		x := &Exporter{path: path, format: FormatCSV, logger: s.logger}
		err = x.appendCSV(path, entries, false)
	case FormatSQLite:
		path = dir + "/" + name + ".db"
		err = appendSQLite(path, entries)
	default:
		path = dir + "/" + name + ".jsonl"
		err = appendJSONL(path, entries)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}
