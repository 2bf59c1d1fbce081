// Package history keeps one row per finished capture session in a SQLite
// database so throughput can be compared across runs.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/abihf/framewatch/capture"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Entry is a stored session summary.
type Entry struct {
	SessionID      string
	Camera         string
	Started        time.Time
	Elapsed        time.Duration
	Frames         uint64
	FPS            float64
	Cancelled      uint64
	DarkFrames     uint64
	MapFailures    uint64
	BlobHits       uint64
	IntervalMean   time.Duration
	IntervalStdDev time.Duration
}

func FromSummary(sum capture.Summary) Entry {
	return Entry{
		SessionID:      sum.SessionID,
		Camera:         sum.Camera,
		Started:        sum.Started,
		Elapsed:        sum.Elapsed,
		Frames:         sum.Frames,
		FPS:            sum.FPS,
		Cancelled:      sum.Cancelled,
		DarkFrames:     sum.DarkFrames,
		MapFailures:    sum.MapFailures,
		BlobHits:       sum.BlobHits,
		IntervalMean:   sum.IntervalMean,
		IntervalStdDev: sum.IntervalStdDev,
	}
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "can not open history database")
	}
	// a single connection keeps writes from the daemon and reads from the
	// status tool serialized on SQLite's side
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "can not load migrations")
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "can not create migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return errors.Wrap(err, "can not create migrate instance")
	}
	// m is not closed: that would close s.db as well.
	m.Log = &migrateLogger{logger: s.logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migration up failed")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e. Recording the same session twice is an error.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, camera, started_unix_nanos, elapsed_nanos, frames, fps,
			cancelled, dark_frames, map_failures, blob_hits,
			interval_mean_nanos, interval_stddev_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Camera, e.Started.UnixNano(), int64(e.Elapsed), int64(e.Frames), e.FPS,
		int64(e.Cancelled), int64(e.DarkFrames), int64(e.MapFailures), int64(e.BlobHits),
		int64(e.IntervalMean), int64(e.IntervalStdDev),
	)
	if err != nil {
		return errors.Wrapf(err, "can not record session %s", e.SessionID)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, camera, started_unix_nanos, elapsed_nanos, frames, fps,
			cancelled, dark_frames, map_failures, blob_hits,
			interval_mean_nanos, interval_stddev_nanos
		FROM sessions
		ORDER BY started_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "can not query sessions")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                                  Entry
			started, elapsed, mean, stddev     int64
			frames, cancelled, dark, mf, blobs int64
		)
		if err := rows.Scan(&e.SessionID, &e.Camera, &started, &elapsed, &frames, &e.FPS,
			&cancelled, &dark, &mf, &blobs, &mean, &stddev); err != nil {
			return nil, errors.Wrap(err, "can not scan session")
		}
		e.Started = time.Unix(0, started)
		e.Elapsed = time.Duration(elapsed)
		e.Frames = uint64(frames)
		e.Cancelled = uint64(cancelled)
		e.DarkFrames = uint64(dark)
		e.MapFailures = uint64(mf)
		e.BlobHits = uint64(blobs)
		e.IntervalMean = time.Duration(mean)
		e.IntervalStdDev = time.Duration(stddev)
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "can not read sessions")
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug("migrate", "message", fmt.Sprintf(format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
