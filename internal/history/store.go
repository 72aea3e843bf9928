package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/scheduler"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// writeTimeout bounds each write made from an Observer callback.
const writeTimeout = 5 * time.Second

// queueSize is how many observer writes may wait for the writer goroutine
// before callbacks start to wait for room.
const queueSize = 1024

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Store is a gorm-backed run history. Observer callbacks only enqueue; a
// single writer goroutine applies them in order, so writes for one run land in
// the order the scheduler reported them.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	writes  chan write
	drained chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// write is one queued observer write. A write with a nil fn is a barrier used
// by Sync.
type write struct {
	what  string
	runID string
	fn    func(ctx context.Context) error
	done  chan struct{}
}

// Open connects to the history database and migrates it. driver is "sqlite"
// (the default) or "mysql"; dsn is a file path or a MySQL DSN.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.AutoMigrate(&RunRecord{}, &JobRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	logger.Debug("History database ready.", "driver", dialector.Name())
	s := &Store{
		db:      db,
		logger:  logger,
		writes:  make(chan write, queueSize),
		drained: make(chan struct{}),
	}
	go s.drain()
	return s, nil
}

// Close applies the writes still queued, then closes the connection pool.
// Observer calls made after Close are dropped.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.writes)
		s.mu.Unlock()
		<-s.drained

		sqlDB, err := s.db.DB()
		if err != nil {
			s.closeErr = err
			return
		}
		s.closeErr = sqlDB.Close()
	})
	return s.closeErr
}

// Sync waits until every write queued before the call has been applied.
func (s *Store) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !s.enqueue(write{what: "sync", done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Save writes a whole report, replacing any previous version of the run.
func (s *Store) Save(ctx context.Context, rep *scheduler.Report) error {
	rec := fromReport(rep)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Jobs").Save(rec).Error; err != nil {
			return err
		}
		if len(rec.Jobs) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec.Jobs).Error
	})
}

// Get returns the stored report of a run, including queued observer writes.
func (s *Store) Get(ctx context.Context, runID string) (*scheduler.Report, error) {
	if err := s.Sync(ctx); err != nil {
		return nil, err
	}
	var rec RunRecord
	err := s.db.WithContext(ctx).
		Preload("Jobs", func(db *gorm.DB) *gorm.DB { return db.Order("job_id") }).
		Where("id = ?", runID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return rec.Report(), nil
}

// List returns the most recent runs first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]*scheduler.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	if err := s.Sync(ctx); err != nil {
		return nil, err
	}
	var recs []RunRecord
	err := s.db.WithContext(ctx).
		Preload("Jobs", func(db *gorm.DB) *gorm.DB { return db.Order("job_id") }).
		Order("started_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*scheduler.Report, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].Report())
	}
	return out, nil
}

// Prune deletes finished runs that started before olderThan and returns how
// many runs were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := s.Sync(ctx); err != nil {
		return 0, err
	}
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&RunRecord{}).
			Where("started_at < ? AND finished_at IS NOT NULL", olderThan).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("run_id IN ?", ids).Delete(&JobRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&RunRecord{})
		removed = res.RowsAffected
		return res.Error
	})
	return removed, err
}

// RunStarted implements scheduler.Observer.
func (s *Store) RunStarted(rep *scheduler.Report) {
	s.enqueue(write{what: "run started", runID: rep.RunID, fn: func(ctx context.Context) error { return s.Save(ctx, rep) }})
}

// JobTransition implements scheduler.Observer.
func (s *Store) JobTransition(t scheduler.Transition) {
	s.enqueue(write{what: "job transition", runID: t.RunID, fn: func(ctx context.Context) error {
		updates := map[string]any{"state": string(t.To), "skip_reason": string(t.Reason)}
		switch {
		case t.To == model.JobRunning:
			updates["started_at"] = t.At
		case t.To.Terminal():
			updates["finished_at"] = t.At
		}
		if t.Err != nil {
			updates["error"] = t.Err.Error()
		}
		return s.db.WithContext(ctx).Model(&JobRecord{}).
			Where("run_id = ? AND job_id = ?", t.RunID, t.JobID).
			Updates(updates).Error
	}})
}

// RunFinished implements scheduler.Observer.
func (s *Store) RunFinished(rep *scheduler.Report) {
	s.enqueue(write{what: "run finished", runID: rep.RunID, fn: func(ctx context.Context) error { return s.Save(ctx, rep) }})
}

// enqueue hands w to the writer. It reports false once the store is closed.
func (s *Store) enqueue(w write) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Debug("History store closed, write dropped.", "what", w.what, "run_id", w.runID)
		return false
	}
	s.writes <- w
	return true
}

// drain applies queued writes one at a time. Observer callbacks cannot fail
// the run, so errors are only logged.
func (s *Store) drain() {
	defer close(s.drained)
	for w := range s.writes {
		if w.fn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := w.fn(ctx); err != nil {
				s.logger.Error("Failed to write run history.", "what", w.what, "run_id", w.runID, "error", err)
			}
			cancel()
		}
		if w.done != nil {
			close(w.done)
		}
	}
}
