// Package journal persists order and execution snapshots for audit and
// recovery. Records queue on a bounded channel consumed by one background
// writer; when the queue is full the oldest record is shed so the journal
// never stalls the trading path.
package journal

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quantfabric/fixcore/pkg/metrics"
	"github.com/quantfabric/fixcore/pkg/models"
)

// Config tunes the journal writer.
type Config struct {
	// QueueSize bounds the pending write queue.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	return c
}

type record struct {
	order *models.Order
	exec  *models.Execution
}

// Journal is the asynchronous write-side store.
type Journal struct {
	db  *gorm.DB
	log *zap.Logger

	queue chan record
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// New migrates the journal tables and builds the writer. Call Start to begin
// draining.
func New(db *gorm.DB, cfg Config, log *zap.Logger) (*Journal, error) {
	if err := db.AutoMigrate(&models.Order{}, &models.Execution{}); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Journal{
		db:    db,
		log:   log,
		queue: make(chan record, cfg.QueueSize),
		done:  make(chan struct{}),
	}, nil
}

// Start runs the background writer.
func (j *Journal) Start() {
	go j.run()
}

// Stop closes the intake and waits for the queue to drain, up to the
// context's deadline.
func (j *Journal) Stop(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports how many records are waiting for the writer.
func (j *Journal) Depth() int {
	return len(j.queue)
}

// RecordOrder queues an order snapshot.
func (j *Journal) RecordOrder(o models.Order) {
	j.enqueue(record{order: &o})
}

// RecordExecution queues an execution report.
func (j *Journal) RecordExecution(e models.Execution) {
	j.enqueue(record{exec: &e})
}

func (j *Journal) enqueue(rec record) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		metrics.JournalDropped.Inc()
		return
	}
	defer j.mu.Unlock()

	select {
	case j.queue <- rec:
	default:
		// Full: shed the oldest record so the newest state survives.
		select {
		case <-j.queue:
			metrics.JournalDropped.Inc()
			j.log.Warn("journal queue full, dropped oldest record")
		default:
		}
		select {
		case j.queue <- rec:
		default:
			metrics.JournalDropped.Inc()
		}
	}
	metrics.JournalQueueDepth.Set(float64(len(j.queue)))
}

func (j *Journal) run() {
	defer close(j.done)
	for rec := range j.queue {
		j.write(rec)
		metrics.JournalQueueDepth.Set(float64(len(j.queue)))
	}
}

// write upserts one record. Snapshots replace earlier rows for the same key;
// journal failures are logged, never propagated to trading.
func (j *Journal) write(rec record) {
	switch {
	case rec.order != nil:
		err := j.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec.order).Error
		if err != nil {
			j.log.Error("journal order write failed",
				zap.String("order_id", rec.order.ID), zap.Error(err))
		}
	case rec.exec != nil:
		err := j.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec.exec).Error
		if err != nil {
			j.log.Error("journal execution write failed",
				zap.String("exec_id", rec.exec.ExecID), zap.Error(err))
		}
	}
}
