// Package journal records harness lifecycle events (process spawns and
// exits, proxy drops, cluster snapshots) in a SQLite database inside the
// work directory, so a failed run can be inspected after the fact.
package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/core-tools/hsu-tubes/pkg/environment"
	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
	"github.com/core-tools/hsu-tubes/pkg/sandbox"
)

// ResourceKey is the sandbox key the Journal answers to.
const ResourceKey = "journal"

// FileName is the database file created in the work directory.
const FileName = "journal.db"

// NoInstance marks events that belong to a whole component.
const NoInstance = -1

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	run_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	component TEXT NOT NULL,
	instance INTEGER NOT NULL,
	kind TEXT NOT NULL,
	detail JSON NOT NULL
);
`

const insertEventSql = `
INSERT INTO events (run_id, at, component, instance, kind, detail)
VALUES ($1, $2, $3, $4, $5, $6);
`

const selectEventsSql = `
SELECT id, run_id, at, component, instance, kind, detail
FROM events WHERE run_id = $1 ORDER BY id;
`

type Event struct {
	ID        int64     `db:"id"`
	RunID     string    `db:"run_id"`
	At        time.Time `db:"at"`
	Component string    `db:"component"`
	Instance  int       `db:"instance"`
	Kind      string    `db:"kind"`
	Detail    string    `db:"detail"`
}

// Recorder accepts lifecycle events. Recording never fails the caller.
type Recorder interface {
	Record(component string, instance int, kind string, detail map[string]interface{})
}

type nopRecorder struct{}

func (nopRecorder) Record(component string, instance int, kind string, detail map[string]interface{}) {
}

// Nop is used when no journal is part of the sandbox.
var Nop Recorder = nopRecorder{}

type Options struct {
	// DataSource overrides <workDir>/journal.db, e.g. ":memory:"
	DataSource string
	RunID      string
}

type Journal struct {
	sandbox.Owner

	options Options
	runID   string
	logger  logging.Logger

	mutex sync.Mutex
	db    *sqlx.DB
}

func New(options Options) *Journal {
	return &Journal{
		options: options,
		logger:  logging.NewNopLogger(),
	}
}

// Start opens the database. Without an explicit data source the
// Environment is required for the work directory.
func (j *Journal) Start(ctx context.Context) error {
	dataSource := j.options.DataSource
	runID := j.options.RunID

	if env, err := environment.FromContainer(j.Container()); err == nil {
		if dataSource == "" {
			dataSource = filepath.Join(env.WorkDir(), FileName)
		}
		if runID == "" {
			runID = env.RunID()
		}
		j.logger = env.Tracer(ResourceKey)
	} else if dataSource == "" {
		return err
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite3", dataSource)
	if err != nil {
		return errors.NewIOError("failed to open journal", err).WithContext("data_source", dataSource)
	}
	// A single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, eventSchema); err != nil {
		db.Close()
		return errors.NewIOError("failed to initialize journal schema", err).WithContext("data_source", dataSource)
	}

	j.mutex.Lock()
	j.db = db
	j.runID = runID
	j.mutex.Unlock()

	j.logger.Debugf("Journal opened, data source: %s", dataSource)
	return nil
}

func (j *Journal) Cleanup(ctx context.Context) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func (j *Journal) Res(key string) sandbox.Resource {
	if key == ResourceKey {
		return j
	}
	return nil
}

func (j *Journal) RunID() string {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.runID
}

// Record stores one event. Failures are logged and otherwise ignored.
func (j *Journal) Record(component string, instance int, kind string, detail map[string]interface{}) {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		j.logger.Warnf("Failed to encode journal detail, kind: %s, error: %v", kind, err)
		return
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.db == nil {
		return
	}
	if _, err := j.db.Exec(insertEventSql, j.runID, time.Now().UTC(), component, instance, kind, string(data)); err != nil {
		j.logger.Warnf("Failed to record journal event, kind: %s, error: %v", kind, err)
	}
}

// Events lists the events of the current run in insertion order.
func (j *Journal) Events(ctx context.Context) ([]Event, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.db == nil {
		return nil, errors.NewValidationError("journal is not open", nil)
	}
	var events []Event
	if err := j.db.SelectContext(ctx, &events, selectEventsSql, j.runID); err != nil {
		return nil, errors.NewIOError("failed to read journal", err)
	}
	return events, nil
}

// From returns the journal of a sandbox, or Nop when there is none.
func From(container *sandbox.Sandbox) Recorder {
	if container == nil {
		return Nop
	}
	if j, ok := container.Res(ResourceKey).(*Journal); ok && j != nil {
		return j
	}
	return Nop
}
