package bot

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"marketcore/internal/apperr"
	"marketcore/internal/metrics"
	"marketcore/internal/model"
)

// TrainJob is one request to train a bot on a (symbol, timeframe).
type TrainJob struct {
	Symbol    string
	Timeframe model.Timeframe
	BotName   string
	Config    map[string]any
}

func (j TrainJob) key() string {
	return j.Symbol + ":" + string(j.Timeframe) + ":" + j.BotName
}

// TrainingQueue is the process-wide FIFO training queue: enqueue is
// rejected if a queued or running record already exists for the same
// (symbol, timeframe, bot) triple, jobs run sequentially by default or
// up to Parallelism workers bounded by runtime.NumCPU(). Process-wide,
// like the Registry whose bots it trains.
type TrainingQueue struct {
	registry    *Registry
	store       model.CandleStore
	parallelism int
	m           *metrics.Metrics

	mu      sync.Mutex
	records map[string]*model.TrainingRecord // keyed by TrainJob.key()
	nextID  int64

	jobs chan queuedJob

	onEvent func(model.TrainingRecord)

	startOnce sync.Once
}

type queuedJob struct {
	job    TrainJob
	record *model.TrainingRecord
}

// NewTrainingQueue builds a queue running up to parallelism workers
// (clamped to [1, NumCPU]). onEvent, if non-nil, is invoked on every
// state transition for the training:status broadcast topic.
func NewTrainingQueue(registry *Registry, store model.CandleStore, parallelism int, m *metrics.Metrics, onEvent func(model.TrainingRecord)) *TrainingQueue {
	if parallelism <= 0 {
		parallelism = 1
	}
	if max := runtime.NumCPU(); parallelism > max {
		parallelism = max
	}
	return &TrainingQueue{
		registry:    registry,
		store:       store,
		parallelism: parallelism,
		m:           m,
		records:     make(map[string]*model.TrainingRecord),
		jobs:        make(chan queuedJob, 256),
		onEvent:     onEvent,
	}
}

// Start launches the worker pool. Idempotent — later calls are no-ops.
func (q *TrainingQueue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		for i := 0; i < q.parallelism; i++ {
			go q.worker(ctx)
		}
	})
}

// Enqueue rejects the job with apperr.ErrTrainingAlreadyQueued (wrapping
// the existing job's id) if a non-terminal record already exists for the
// same triple; otherwise it records the job as queued and returns its id.
func (q *TrainingQueue) Enqueue(job TrainJob) (int64, error) {
	key := job.key()

	q.mu.Lock()
	if existing, ok := q.records[key]; ok && (existing.Status == model.TrainingQueued || existing.Status == model.TrainingRunning) {
		id := existing.ID
		q.mu.Unlock()
		if q.m != nil {
			q.m.TrainingDuplicates.Inc()
		}
		return id, fmt.Errorf("%w: job %d", apperr.ErrTrainingAlreadyQueued, id)
	}

	q.nextID++
	record := &model.TrainingRecord{
		ID:        q.nextID,
		Symbol:    job.Symbol,
		Timeframe: job.Timeframe,
		BotName:   job.BotName,
		StartedAt: time.Now(),
		Status:    model.TrainingQueued,
	}
	q.records[key] = record
	q.mu.Unlock()

	q.emit(*record)
	if q.m != nil {
		q.m.TrainingQueueDepth.Set(float64(q.depth()))
	}

	select {
	case q.jobs <- queuedJob{job: job, record: record}:
	default:
		// Channel full: run it on its own goroutine, outside the worker
		// pool, so Enqueue never silently drops a job it just accepted.
		go q.run(job, record)
	}
	return record.ID, nil
}

// Status returns a snapshot of every non-deleted training record, for
// the /training/status control endpoint.
func (q *TrainingQueue) Status() []model.TrainingRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.TrainingRecord, 0, len(q.records))
	for _, r := range q.records {
		out = append(out, *r)
	}
	return out
}

func (q *TrainingQueue) depthLocked() int {
	n := 0
	for _, r := range q.records {
		if r.Status == model.TrainingQueued || r.Status == model.TrainingRunning {
			n++
		}
	}
	return n
}

// depth locks before computing the in-flight job count.
func (q *TrainingQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *TrainingQueue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qj := <-q.jobs:
			q.run(qj.job, qj.record)
		}
	}
}

func (q *TrainingQueue) run(job TrainJob, record *model.TrainingRecord) {
	q.mu.Lock()
	record.Status = model.TrainingRunning
	q.mu.Unlock()
	q.emit(*record)

	adapter, ok := q.registry.Adapter(job.BotName)
	if !ok {
		q.fail(record, fmt.Errorf("unknown bot %q", job.BotName))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	candles, err := q.store.Range(ctx, job.Symbol, job.Timeframe, nil, nil, 5000)
	if err != nil {
		q.fail(record, fmt.Errorf("candle range: %w", err))
		return
	}

	metricsOut, _, err := adapter.Train(ctx, job.Symbol, job.Timeframe, candles, job.Config)
	if err != nil {
		q.fail(record, err)
		return
	}

	now := time.Now()
	q.mu.Lock()
	record.Status = model.TrainingCompleted
	record.EndedAt = &now
	record.DataPoints = len(candles)
	record.Metrics = metricsOut
	q.mu.Unlock()
	q.emit(*record)
	if q.m != nil {
		q.m.TrainingQueueDepth.Set(float64(q.depth()))
	}
	log.Printf("[bot] training completed: %s/%s/%s (%d points)", job.Symbol, job.Timeframe, job.BotName, len(candles))
}

func (q *TrainingQueue) fail(record *model.TrainingRecord, cause error) {
	now := time.Now()
	q.mu.Lock()
	record.Status = model.TrainingFailed
	record.EndedAt = &now
	record.Error = cause.Error()
	q.mu.Unlock()
	q.emit(*record)
	if q.m != nil {
		q.m.TrainingQueueDepth.Set(float64(q.depth()))
	}
	log.Printf("[bot] training failed: %s: %v", record.TrainingKey(), cause)
}

func (q *TrainingQueue) emit(record model.TrainingRecord) {
	if q.onEvent != nil {
		q.onEvent(record)
	}
}
