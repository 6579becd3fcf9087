// Package service provides the core tracking service that ties the
// registry, store, queue and worker pool together.
package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	scorequeue "github.com/okian/topwatch/internal/adapters/mq/queue"
	workerpool "github.com/okian/topwatch/internal/adapters/mq/worker"
	"github.com/okian/topwatch/internal/adapters/store"
	"github.com/okian/topwatch/internal/domain/model"
	"github.com/okian/topwatch/internal/domain/tracking"
	"github.com/okian/topwatch/pkg/logger"
	"github.com/okian/topwatch/pkg/metrics"
)

// Discard reasons reported on the score intake path.
const (
	discardNoPP       = "no_pp"
	discardUntracked  = "untracked"
	discardNoChannels = "no_channels"
	discardNotNovel   = "not_novel"
	discardQueueFull  = "queue_full"
)

// Subscription describes one tracked user entry inside a channel.
type Subscription struct {
	UserID     uint64
	Mode       model.Mode
	Thresholds model.Thresholds
}

// Service implements the tracking engine operations.
type Service struct {
	mu sync.RWMutex

	// Core components
	registry   *tracking.Registry
	store      store.Store
	fetcher    workerpool.Fetcher
	notifier   workerpool.Notifier
	scoreQueue scorequeue.Queue
	pool       *workerpool.Pool

	// Configuration
	workerCount int
	queueSize   int
	minDelay    time.Duration
	maxDelay    time.Duration

	// State
	started bool

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of dispatch worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the score queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDispatchDelay sets the jitter window workers wait before fetching
// the upstream top list.
func WithDispatchDelay(min, max time.Duration) Option {
	return func(s *Service) {
		if min >= 0 && max >= min {
			s.minDelay = min
			s.maxDelay = max
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(logger logger.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a new Service with default configuration.
func New(st store.Store, fetcher workerpool.Fetcher, notifier workerpool.Notifier, opts ...Option) *Service {
	s := &Service{
		store:       st,
		fetcher:     fetcher,
		notifier:    notifier,
		workerCount: runtime.NumCPU() * 2,
		queueSize:   10000,
		minDelay:    30 * time.Second,
		maxDelay:    60 * time.Second,
		logger:      nil, // replaced when the service starts
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start loads the persisted subscriptions, builds the registry and
// starts the dispatch pipeline. A store load failure is fatal.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.logger == nil {
		s.logger = logger.Get().Named("tracking")
	}

	s.logger.Info(ctx, "starting tracking service...")

	rows, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading tracked users: %w", err)
	}
	s.registry = tracking.NewRegistryFromRows(rows)

	s.scoreQueue = scorequeue.NewInMemoryQueue(
		scorequeue.WithCapacity(s.queueSize),
	)

	s.pool = workerpool.NewPool(s.workerCount, s.scoreQueue, s.registry, s.fetcher, s.notifier, s.store,
		workerpool.WithDispatchDelay(s.minDelay, s.maxDelay),
	)
	s.pool.Start(ctx)

	s.started = true
	s.publishRegistryGauges()
	s.logger.Info(ctx, "tracking service started",
		logger.Int("users", s.registry.Len()),
		logger.Int("channels", s.registry.ChannelCount()),
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
	)

	return nil
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx := context.Background()
	s.logger.Info(ctx, "stopping tracking service...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Error(ctx, "worker pool shutdown failed", logger.Error(err))
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error(ctx, "closing store failed", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "tracking service stopped")
}

// AddSubscription registers a channel's interest in a user's top scores.
// The subscription is live immediately. When the user's baseline is
// still unknown the returned token MUST be resolved with a freshly
// fetched top list; the token is nil once a baseline exists.
func (s *Service) AddSubscription(ctx context.Context, userID uint64, mode model.Mode, channelID uint64, t model.Thresholds) (*tracking.BaselineToken, error) {
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}
	reg, err := s.activeRegistry()
	if err != nil {
		return nil, err
	}

	entry := reg.GetOrCreate(userID).Entry(mode)
	entry.AddChannel(channelID, t)
	s.publishRegistryGauges()

	row := model.TrackingRow{
		UserID:     userID,
		Mode:       mode,
		ChannelID:  channelID,
		Thresholds: t,
		LastPP:     entry.Baseline(),
	}

	if row.LastPP == 0 {
		return tracking.NewBaselineToken(entry, row, s.store), nil
	}

	if err := s.store.Upsert(ctx, row); err != nil {
		s.logger.Warn(ctx, "persisting subscription failed",
			logger.Uint64("user_id", userID),
			logger.Uint64("channel_id", channelID),
			logger.Error(err),
		)
	}
	return nil, nil
}

// RemoveSubscription drops a channel's subscription for a user. A nil
// mode means every gamemode. Returns the number of entries removed;
// removing a never-subscribed user is a no-op, not an error.
func (s *Service) RemoveSubscription(ctx context.Context, userID uint64, mode *model.Mode, channelID uint64) int {
	reg, err := s.activeRegistry()
	if err != nil {
		return 0
	}

	removed := 0
	if user, ok := reg.Get(userID); ok {
		for _, m := range modesOf(mode) {
			if user.Entry(m).RemoveChannel(channelID) {
				removed++
			}
		}
		reg.RemoveIfEmpty(userID)
	}

	if err := s.store.Delete(ctx, userID, mode, channelID); err != nil {
		s.logger.Warn(ctx, "deleting subscription failed",
			logger.Uint64("user_id", userID),
			logger.Uint64("channel_id", channelID),
			logger.Error(err),
		)
	}
	s.publishRegistryGauges()
	return removed
}

// RemoveChannel drops every subscription a channel holds, across all
// users. Used when the platform deletes a channel.
func (s *Service) RemoveChannel(ctx context.Context, channelID uint64, mode *model.Mode) int {
	reg, err := s.activeRegistry()
	if err != nil {
		return 0
	}

	removed := reg.RemoveChannel(channelID, mode)
	if err := s.store.DeleteChannel(ctx, channelID, mode); err != nil {
		s.logger.Warn(ctx, "deleting channel subscriptions failed",
			logger.Uint64("channel_id", channelID),
			logger.Error(err),
		)
	}
	s.publishRegistryGauges()
	return removed
}

// ClearUser drops every subscription and baseline a user has, across
// all modes. Used when the user no longer exists upstream.
func (s *Service) ClearUser(ctx context.Context, userID uint64) {
	reg, err := s.activeRegistry()
	if err != nil {
		return
	}

	reg.ClearUser(userID)
	reg.RemoveIfEmpty(userID)
	if err := s.store.DeleteUser(ctx, userID, nil); err != nil {
		s.logger.Warn(ctx, "deleting user subscriptions failed",
			logger.Uint64("user_id", userID),
			logger.Error(err),
		)
	}
	s.publishRegistryGauges()
}

// Clear drops a user's subscriptions and baseline for one gamemode.
func (s *Service) Clear(ctx context.Context, userID uint64, mode model.Mode) {
	if !mode.Valid() {
		return
	}
	reg, err := s.activeRegistry()
	if err != nil {
		return
	}

	if user, ok := reg.Get(userID); ok {
		user.Entry(mode).Clear()
		reg.RemoveIfEmpty(userID)
	}
	if err := s.store.DeleteUser(ctx, userID, &mode); err != nil {
		s.logger.Warn(ctx, "deleting user mode subscriptions failed",
			logger.Uint64("user_id", userID),
			logger.String("mode", mode.String()),
			logger.Error(err),
		)
	}
	s.publishRegistryGauges()
}

// ProcessScore is the hot intake path. It never blocks on I/O: the
// score is either discarded by the cheap checks or handed to the queue.
func (s *Service) ProcessScore(ctx context.Context, sc model.Score) {
	metrics.RecordScoreReceived()

	if sc.PP == nil {
		metrics.RecordScoreDiscarded(discardNoPP)
		return
	}

	reg, err := s.activeRegistry()
	if err != nil {
		metrics.RecordScoreDiscarded(discardUntracked)
		return
	}

	user, ok := reg.Get(sc.UserID)
	if !ok {
		metrics.RecordScoreDiscarded(discardUntracked)
		return
	}
	entry := user.Entry(sc.Mode)
	if !entry.HasChannels() {
		metrics.RecordScoreDiscarded(discardNoChannels)
		return
	}
	if !entry.ShouldProcess(*sc.PP, sc.EndedAt) {
		metrics.RecordScoreDiscarded(discardNotNovel)
		return
	}

	if !s.scoreQueue.Enqueue(ctx, sc) {
		metrics.RecordScoreDiscarded(discardQueueFull)
		s.logger.Warn(ctx, "score queue full, dropping score",
			logger.Uint64("user_id", sc.UserID),
			logger.Uint64("score_id", sc.ID),
		)
		return
	}
	metrics.RecordScoreEnqueued()
}

// List returns the subscriptions held by a channel.
func (s *Service) List(channelID uint64) []Subscription {
	reg, err := s.activeRegistry()
	if err != nil {
		return nil
	}

	var subs []Subscription
	for userID, user := range reg.All() {
		for _, mode := range model.Modes() {
			if t, ok := user.Entry(mode).Thresholds(channelID); ok {
				subs = append(subs, Subscription{UserID: userID, Mode: mode, Thresholds: t})
			}
		}
	}
	return subs
}

// Stats returns service statistics for monitoring.
func (s *Service) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
	}

	if s.started {
		stats["trackedUsers"] = s.registry.Len()
		stats["trackedChannels"] = s.registry.ChannelCount()
		stats["queueLength"] = s.scoreQueue.Len(context.Background())
	}

	return stats
}

func (s *Service) activeRegistry() (*tracking.Registry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.registry, nil
}

func (s *Service) publishRegistryGauges() {
	reg := s.registry
	if reg == nil {
		return
	}
	metrics.UpdateTrackedUsers(reg.Len())
	metrics.UpdateTrackedChannels(reg.ChannelCount())
}

func modesOf(mode *model.Mode) []model.Mode {
	if mode != nil {
		return []model.Mode{*mode}
	}
	all := model.Modes()
	return all[:]
}
