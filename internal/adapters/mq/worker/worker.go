// Package worker runs the background dispatch pipeline: fetch the
// user's current top scores, refresh the baseline, and notify every
// subscribed channel whose thresholds match.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/okian/topwatch/internal/adapters/mq/queue"
	"github.com/okian/topwatch/internal/adapters/store"
	"github.com/okian/topwatch/internal/domain/model"
	"github.com/okian/topwatch/internal/domain/tracking"
	"github.com/okian/topwatch/pkg/logger"
	"github.com/okian/topwatch/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultWorkerMultiplier = 4 // multiplier for runtime.NumCPU()
	defaultMinDispatchDelay = 30 * time.Second
	defaultMaxDispatchDelay = 60 * time.Second
	workerShutdownTimeout   = 5 * time.Second
	poolShutdownTimeout     = 30 * time.Second
)

// Score abstracts what workers read off the queue.
type Score = model.Score

// Notification carries everything a channel needs to render an alert.
type Notification struct {
	UserID       uint64
	Mode         model.Mode
	Score        model.Score
	Index        uint8
	ComboPercent float64
	ComboKnown   bool
}

// Fetcher retrieves a user's current top scores from the upstream API.
// A missing user is reported as ErrUserNotFound.
type Fetcher interface {
	TopScores(ctx context.Context, userID uint64, mode model.Mode) ([]model.Score, error)
}

// Notifier delivers a notification to a channel. A deleted channel is
// reported as ErrUnknownChannel.
type Notifier interface {
	Notify(ctx context.Context, channelID uint64, n Notification) error
}

// Queue defines how workers receive scores.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Score
}

// Worker processes queued scores until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown gracefully stops the worker.
	// It will process any remaining scores before stopping.
	Shutdown(ctx context.Context) error
}

// DispatchWorker implements Worker for queued score dispatch.
type DispatchWorker struct {
	queue    Queue
	registry *tracking.Registry
	fetcher  Fetcher
	notifier Notifier
	store    store.Store
	name     string

	minDelay time.Duration
	maxDelay time.Duration

	// Shutdown control
	shutdown chan struct{}
	done     chan struct{}

	// Logging
	logger logger.Logger
}

// NewDispatchWorker creates a new worker with configuration options.
func NewDispatchWorker(q Queue, registry *tracking.Registry, fetcher Fetcher, notifier Notifier, st store.Store, opts ...Option) *DispatchWorker {
	w := &DispatchWorker{
		queue:    q,
		registry: registry,
		fetcher:  fetcher,
		notifier: notifier,
		store:    st,
		name:     "worker", // default name
		minDelay: defaultMinDispatchDelay,
		maxDelay: defaultMaxDispatchDelay,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("worker"), // will be updated by options
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}

	return w
}

// Run starts the worker loop.
func (w *DispatchWorker) Run(ctx context.Context) {
	defer func() {
		close(w.done)
	}()

	scoreChan := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case s, ok := <-scoreChan:
			if !ok {
				// Channel closed, worker should stop
				return
			}

			if err := w.processScore(ctx, s); err != nil {
				w.logger.Error(ctx, "error dispatching score", logger.Error(err))
			}
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *DispatchWorker) Shutdown(ctx context.Context) error {
	close(w.shutdown)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// processScore handles a single queued score: wait out the jitter
// window so the upstream top list has settled, re-check the registry,
// refresh the baseline and fan out notifications.
func (w *DispatchWorker) processScore(ctx context.Context, s queue.Score) error {
	start := time.Now()
	defer func() {
		latency := time.Since(start).Milliseconds()
		metrics.RecordWorkerProcessingLatency(float64(latency))
	}()

	if !w.waitJitter(ctx) {
		return nil
	}

	// The subscription may have been removed while we slept.
	user, ok := w.registry.Get(s.UserID)
	if !ok {
		return nil
	}
	entry := user.Entry(s.Mode)
	if !entry.HasChannels() {
		return nil
	}

	fetchStart := time.Now()
	tops, err := w.fetcher.TopScores(ctx, s.UserID, s.Mode)
	metrics.RecordFetchLatency(float64(time.Since(fetchStart).Milliseconds()))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			w.dropUser(ctx, s.UserID)
			return nil
		}
		metrics.RecordFetchError()
		return fmt.Errorf("fetching top scores for user %d: %w", s.UserID, err)
	}

	baseline := tracking.BaselineFromTop(tops)
	entry.UpdateBaseline(baseline)
	entry.MarkProcessed(s.EndedAt)
	if err := w.store.UpdateBaseline(ctx, s.UserID, s.Mode, baseline); err != nil {
		w.logger.Warn(ctx, "persisting refreshed baseline failed",
			logger.Uint64("user_id", s.UserID),
			logger.String("mode", s.Mode.String()),
			logger.Error(err),
		)
	}

	index := topIndex(tops, s.ID)
	if index == 0 {
		w.logger.Debug(ctx, "score fell out of the top list before dispatch",
			logger.Uint64("user_id", s.UserID),
			logger.Uint64("score_id", s.ID),
		)
		return nil
	}

	w.notifyChannels(ctx, entry, s, index)
	return nil
}

// waitJitter sleeps a random duration in [minDelay, maxDelay] so the
// upstream API has recalculated pp and top placements before we fetch.
// Returns false when the worker is told to stop while waiting.
func (w *DispatchWorker) waitJitter(ctx context.Context) bool {
	delay := w.minDelay
	if w.maxDelay > w.minDelay {
		delay += rand.N(w.maxDelay - w.minDelay)
	}
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.shutdown:
		return false
	}
}

// dropUser removes every trace of a user that no longer exists upstream.
func (w *DispatchWorker) dropUser(ctx context.Context, userID uint64) {
	w.logger.Info(ctx, "user gone upstream, removing all tracking",
		logger.Uint64("user_id", userID),
	)
	w.registry.ClearUser(userID)
	w.registry.RemoveIfEmpty(userID)
	if err := w.store.DeleteUser(ctx, userID, nil); err != nil {
		w.logger.Warn(ctx, "deleting vanished user from store failed",
			logger.Uint64("user_id", userID),
			logger.Error(err),
		)
	}
	metrics.UpdateTrackedUsers(w.registry.Len())
	metrics.UpdateTrackedChannels(w.registry.ChannelCount())
}

// notifyChannels fans the score out to every subscribed channel whose
// thresholds match, pruning channels the platform reports as gone.
func (w *DispatchWorker) notifyChannels(ctx context.Context, entry *tracking.Entry, s queue.Score, index uint8) {
	pp := 0.0
	if s.PP != nil {
		pp = *s.PP
	}
	comboPercent, comboKnown := s.ComboPercent()

	n := Notification{
		UserID:       s.UserID,
		Mode:         s.Mode,
		Score:        s,
		Index:        index,
		ComboPercent: comboPercent,
		ComboKnown:   comboKnown,
	}

	var stale []uint64
	for channelID, thresholds := range entry.Channels() {
		if !thresholds.Matches(index, pp, comboPercent, comboKnown) {
			continue
		}
		if err := w.notifier.Notify(ctx, channelID, n); err != nil {
			if errors.Is(err, ErrUnknownChannel) {
				stale = append(stale, channelID)
				continue
			}
			metrics.RecordNotificationError()
			w.logger.Error(ctx, "notification delivery failed",
				logger.Uint64("channel_id", channelID),
				logger.Uint64("user_id", s.UserID),
				logger.Error(err),
			)
			continue
		}
		metrics.RecordNotificationSent(s.Mode.String())
	}

	for _, channelID := range stale {
		w.logger.Info(ctx, "channel gone, removing its subscriptions",
			logger.Uint64("channel_id", channelID),
		)
		w.registry.RemoveChannel(channelID, nil)
		if err := w.store.DeleteChannel(ctx, channelID, nil); err != nil {
			w.logger.Warn(ctx, "deleting vanished channel from store failed",
				logger.Uint64("channel_id", channelID),
				logger.Error(err),
			)
		}
	}
	if len(stale) > 0 {
		metrics.UpdateTrackedUsers(w.registry.Len())
		metrics.UpdateTrackedChannels(w.registry.ChannelCount())
	}
}

// topIndex returns the 1-based placement of scoreID in tops, 0 when the
// score is not in the list.
func topIndex(tops []model.Score, scoreID uint64) uint8 {
	i := slices.IndexFunc(tops, func(s model.Score) bool { return s.ID == scoreID })
	if i < 0 {
		return 0
	}
	return uint8(i + 1)
}

// Pool manages multiple workers.
type Pool struct {
	workers []*DispatchWorker

	// Shutdown control
	queue    Queue
	stopOnce sync.Once

	// Logging
	logger logger.Logger
}

// NewPool creates a new worker pool.
func NewPool(workerCount int, q Queue, registry *tracking.Registry, fetcher Fetcher, notifier Notifier, st store.Store, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	pool := &Pool{
		workers: make([]*DispatchWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}

	for i := 0; i < workerCount; i++ {
		workerOpts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewDispatchWorker(q, registry, fetcher, notifier, st, workerOpts...)
	}

	metrics.UpdateWorkerCount(workerCount)

	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Stop gracefully stops all workers.
func (p *Pool) Stop() {
	p.signalStop()
	for _, w := range p.workers {
		select {
		case <-w.done:
			// Worker finished
		case <-time.After(workerShutdownTimeout):
			// Worker timeout
		}
	}
	metrics.UpdateWorkerCount(0)
}

// Shutdown gracefully shuts down the entire worker pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	// First close the queue to stop new scores
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	p.signalStop()

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}

	metrics.UpdateWorkerCount(0)
	return nil
}

func (p *Pool) signalStop() {
	p.stopOnce.Do(func() {
		for _, w := range p.workers {
			close(w.shutdown)
		}
	})
}
