package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	worker "github.com/okian/topwatch/internal/adapters/mq/worker"
	service "github.com/okian/topwatch/internal/app"
	"github.com/okian/topwatch/internal/domain/model"
	"github.com/okian/topwatch/pkg/logger"
	"github.com/okian/topwatch/pkg/metrics"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

// memStore is an in-memory store.Store used across the service tests.
type memStore struct {
	mu       sync.Mutex
	rows     map[[3]uint64]model.TrackingRow
	loadErr  error
	upserts  int
	deletes  int
	closed   bool
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[[3]uint64]model.TrackingRow)}
}

func rowKey(userID uint64, mode model.Mode, channelID uint64) [3]uint64 {
	return [3]uint64{userID, uint64(mode), channelID}
}

func (m *memStore) seed(rows ...model.TrackingRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.rows[rowKey(r.UserID, r.Mode, r.ChannelID)] = r
	}
}

func (m *memStore) LoadAll(ctx context.Context) ([]model.TrackingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make([]model.TrackingRow, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) Upsert(ctx context.Context, row model.TrackingRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[rowKey(row.UserID, row.Mode, row.ChannelID)] = row
	m.upserts++
	return nil
}

func (m *memStore) Delete(ctx context.Context, userID uint64, mode *model.Mode, channelID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.rows {
		if key[0] != userID || key[2] != channelID {
			continue
		}
		if mode != nil && key[1] != uint64(*mode) {
			continue
		}
		delete(m.rows, key)
	}
	m.deletes++
	return nil
}

func (m *memStore) DeleteUser(ctx context.Context, userID uint64, mode *model.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.rows {
		if key[0] != userID {
			continue
		}
		if mode != nil && key[1] != uint64(*mode) {
			continue
		}
		delete(m.rows, key)
	}
	return nil
}

func (m *memStore) DeleteChannel(ctx context.Context, channelID uint64, mode *model.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.rows {
		if key[2] != channelID {
			continue
		}
		if mode != nil && key[1] != uint64(*mode) {
			continue
		}
		delete(m.rows, key)
	}
	return nil
}

func (m *memStore) UpdateBaseline(ctx context.Context, userID uint64, mode model.Mode, pp float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, row := range m.rows {
		if key[0] == userID && key[1] == uint64(mode) {
			row.LastPP = pp
			m.rows[key] = row
		}
	}
	return nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memStore) row(userID uint64, mode model.Mode, channelID uint64) (model.TrackingRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[rowKey(userID, mode, channelID)]
	return r, ok
}

type stubFetcher struct {
	mu   sync.RWMutex
	tops map[uint64][]model.Score
	errs map[uint64]error
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		tops: make(map[uint64][]model.Score),
		errs: make(map[uint64]error),
	}
}

func (f *stubFetcher) TopScores(ctx context.Context, userID uint64, mode model.Mode) ([]model.Score, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err, ok := f.errs[userID]; ok {
		return nil, err
	}
	return f.tops[userID], nil
}

func (f *stubFetcher) setTops(userID uint64, tops []model.Score) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tops[userID] = tops
}

type stubNotifier struct {
	mu   sync.RWMutex
	sent map[uint64][]worker.Notification
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{sent: make(map[uint64][]worker.Notification)}
}

func (n *stubNotifier) Notify(ctx context.Context, channelID uint64, notif worker.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[channelID] = append(n.sent[channelID], notif)
	return nil
}

func (n *stubNotifier) sentTo(channelID uint64) []worker.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]worker.Notification(nil), n.sent[channelID]...)
}

func ppv(v float64) *float64 { return &v }

// topsWith builds a 100-score top list, pp descending from start, with
// the score at 1-based position hole carrying the given ID.
func topsWith(userID uint64, start float64, hole int, holeID uint64) []model.Score {
	tops := make([]model.Score, 100)
	for i := range tops {
		tops[i] = model.Score{
			ID:          uint64(5000 + i),
			UserID:      userID,
			Mode:        model.ModeOsu,
			PP:          ppv(start - float64(i)),
			MaxCombo:    950,
			MapMaxCombo: 1000,
			EndedAt:     time.Now(),
		}
	}
	if hole >= 1 && hole <= 100 {
		tops[hole-1].ID = holeID
	}
	return tops
}

func newTestService(st *memStore, fetcher *stubFetcher, notifier *stubNotifier) *service.Service {
	return service.New(st, fetcher, notifier,
		service.WithWorkerCount(2),
		service.WithQueueSize(100),
		service.WithDispatchDelay(0, 0),
	)
}

func TestService_Start(t *testing.T) {
	Convey("Given a new service over an empty store", t, func() {
		st := newMemStore()
		svc := newTestService(st, newStubFetcher(), newStubNotifier())
		defer svc.Stop()

		Convey("When starting the service", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := svc.Start(ctx)

			Convey("Then it should start successfully", func() {
				So(err, ShouldBeNil)
			})

			Convey("And it should be marked as started", func() {
				stats := svc.Stats()
				So(stats["started"], ShouldEqual, true)
			})
		})
	})

	Convey("Given a store that fails to load", t, func() {
		st := newMemStore()
		st.loadErr = errors.New("connection refused")
		svc := newTestService(st, newStubFetcher(), newStubNotifier())

		Convey("When starting the service", func() {
			err := svc.Start(context.Background())

			Convey("Then the failure is fatal", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})

	Convey("Given a store with persisted subscriptions", t, func() {
		st := newMemStore()
		st.seed(model.TrackingRow{
			UserID:     7,
			Mode:       model.ModeOsu,
			ChannelID:  300,
			Thresholds: model.DefaultThresholds(),
			LastPP:     250.0,
		})
		svc := newTestService(st, newStubFetcher(), newStubNotifier())
		defer svc.Stop()

		Convey("When starting the service", func() {
			So(svc.Start(context.Background()), ShouldBeNil)

			Convey("Then the registry is rebuilt from the rows", func() {
				stats := svc.Stats()
				So(stats["trackedUsers"], ShouldEqual, 1)
				So(stats["trackedChannels"], ShouldEqual, 1)
			})
		})
	})
}

func TestService_Subscriptions(t *testing.T) {
	Convey("Given a started service", t, func() {
		st := newMemStore()
		fetcher := newStubFetcher()
		svc := newTestService(st, fetcher, newStubNotifier())
		So(svc.Start(context.Background()), ShouldBeNil)
		defer svc.Stop()

		ctx := context.Background()

		Convey("When subscribing to a user with no known baseline", func() {
			tok, err := svc.AddSubscription(ctx, 7, model.ModeOsu, 300, model.DefaultThresholds())

			Convey("Then a baseline token is handed back", func() {
				So(err, ShouldBeNil)
				So(tok, ShouldNotBeNil)
			})

			Convey("And resolving the token persists the baseline", func() {
				So(err, ShouldBeNil)
				tops := topsWith(7, 400, 3, 42)
				So(tok.Resolve(ctx, tops), ShouldBeNil)

				row, ok := st.row(7, model.ModeOsu, 300)
				So(ok, ShouldBeTrue)
				So(row.LastPP, ShouldEqual, 301.0)

				Convey("And resolving twice is rejected", func() {
					So(tok.Resolve(ctx, tops), ShouldNotBeNil)
				})
			})
		})

		Convey("When subscribing to a user whose baseline is known", func() {
			tok, err := svc.AddSubscription(ctx, 7, model.ModeOsu, 300, model.DefaultThresholds())
			So(err, ShouldBeNil)
			So(tok.Resolve(ctx, topsWith(7, 400, 1, 42)), ShouldBeNil)

			tok2, err := svc.AddSubscription(ctx, 7, model.ModeOsu, 301, model.DefaultThresholds())

			Convey("Then no token is needed and the row is upserted inline", func() {
				So(err, ShouldBeNil)
				So(tok2, ShouldBeNil)
				row, ok := st.row(7, model.ModeOsu, 301)
				So(ok, ShouldBeTrue)
				So(row.LastPP, ShouldEqual, 301.0)
			})
		})

		Convey("When subscribing with an invalid mode", func() {
			_, err := svc.AddSubscription(ctx, 7, model.Mode(9), 300, model.DefaultThresholds())

			Convey("Then the subscription is rejected", func() {
				So(err, ShouldEqual, service.ErrInvalidMode)
			})
		})

		Convey("When removing a subscription", func() {
			tok, err := svc.AddSubscription(ctx, 7, model.ModeOsu, 300, model.DefaultThresholds())
			So(err, ShouldBeNil)
			So(tok.Resolve(ctx, topsWith(7, 400, 1, 42)), ShouldBeNil)

			removed := svc.RemoveSubscription(ctx, 7, nil, 300)

			Convey("Then the entry and the row are gone", func() {
				So(removed, ShouldEqual, 1)
				So(st.rowCount(), ShouldEqual, 0)
				So(svc.List(300), ShouldBeEmpty)
			})

			Convey("And removing again is a harmless no-op", func() {
				So(svc.RemoveSubscription(ctx, 7, nil, 300), ShouldEqual, 0)
			})
		})

		Convey("When a channel subscribes to several users", func() {
			for _, userID := range []uint64{10, 11, 12} {
				tok, err := svc.AddSubscription(ctx, userID, model.ModeTaiko, 400, model.DefaultThresholds())
				So(err, ShouldBeNil)
				So(tok.Resolve(ctx, topsWith(userID, 300, 1, userID)), ShouldBeNil)
			}

			Convey("Then List reports all of them", func() {
				subs := svc.List(400)
				So(subs, ShouldHaveLength, 3)
				for _, sub := range subs {
					So(sub.Mode, ShouldEqual, model.ModeTaiko)
				}
			})

			Convey("And RemoveChannel sweeps them all", func() {
				So(svc.RemoveChannel(ctx, 400, nil), ShouldEqual, 3)
				So(svc.List(400), ShouldBeEmpty)
				So(st.rowCount(), ShouldEqual, 0)
			})
		})

		Convey("When clearing a user across modes", func() {
			for _, mode := range []model.Mode{model.ModeOsu, model.ModeMania} {
				tok, err := svc.AddSubscription(ctx, 20, mode, 500, model.DefaultThresholds())
				So(err, ShouldBeNil)
				So(tok.Resolve(ctx, topsWith(20, 300, 1, 77)), ShouldBeNil)
			}

			svc.ClearUser(ctx, 20)

			Convey("Then nothing remains for the user", func() {
				So(st.rowCount(), ShouldEqual, 0)
				So(svc.List(500), ShouldBeEmpty)
			})
		})

		Convey("When clearing a single mode", func() {
			for _, mode := range []model.Mode{model.ModeOsu, model.ModeMania} {
				tok, err := svc.AddSubscription(ctx, 21, mode, 500, model.DefaultThresholds())
				So(err, ShouldBeNil)
				So(tok.Resolve(ctx, topsWith(21, 300, 1, 78)), ShouldBeNil)
			}

			svc.Clear(ctx, 21, model.ModeOsu)

			Convey("Then the other mode survives", func() {
				subs := svc.List(500)
				So(subs, ShouldHaveLength, 1)
				So(subs[0].Mode, ShouldEqual, model.ModeMania)
			})
		})
	})
}

// enqueuedTotal reads the enqueued-scores counter from the registry.
func enqueuedTotal() float64 {
	families, err := metrics.GetRegistry().Gather()
	if err != nil {
		panic(err)
	}
	for _, mf := range families {
		if mf.GetName() == "topwatch_tracking_scores_enqueued_total" {
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	return 0
}

func TestService_ProcessScoreAccounting(t *testing.T) {
	Convey("Given a started service tracking one user", t, func() {
		st := newMemStore()
		svc := newTestService(st, newStubFetcher(), newStubNotifier())
		So(svc.Start(context.Background()), ShouldBeNil)
		defer svc.Stop()

		ctx := context.Background()
		tok, err := svc.AddSubscription(ctx, 7, model.ModeOsu, 300, model.DefaultThresholds())
		So(err, ShouldBeNil)
		So(tok.Resolve(ctx, topsWith(7, 400, 1, 42)), ShouldBeNil)

		Convey("When a novel score is accepted onto the queue", func() {
			before := enqueuedTotal()
			svc.ProcessScore(ctx, model.Score{
				ID:          9001,
				UserID:      7,
				Mode:        model.ModeOsu,
				PP:          ppv(450),
				MaxCombo:    900,
				MapMaxCombo: 1000,
				EndedAt:     time.Now(),
			})

			Convey("Then the enqueued counter moves by exactly one", func() {
				So(enqueuedTotal()-before, ShouldEqual, 1)
			})
		})
	})
}

func TestService_Stats(t *testing.T) {
	Convey("Given a new service that was never started", t, func() {
		svc := newTestService(newMemStore(), newStubFetcher(), newStubNotifier())

		Convey("When getting stats before starting", func() {
			stats := svc.Stats()

			Convey("Then it should return basic stats", func() {
				So(stats, ShouldNotBeNil)
				So(stats["started"], ShouldEqual, false)
			})
		})

		Convey("When using operations before starting", func() {
			Convey("Then they are safe no-ops", func() {
				_, err := svc.AddSubscription(context.Background(), 1, model.ModeOsu, 2, model.DefaultThresholds())
				So(err, ShouldEqual, service.ErrNotStarted)
				So(svc.RemoveSubscription(context.Background(), 1, nil, 2), ShouldEqual, 0)
				So(svc.List(2), ShouldBeEmpty)
			})
		})
	})
}

func TestService_Stop(t *testing.T) {
	Convey("Given a started service", t, func() {
		st := newMemStore()
		svc := newTestService(st, newStubFetcher(), newStubNotifier())
		So(svc.Start(context.Background()), ShouldBeNil)

		Convey("When stopping the service", func() {
			svc.Stop()

			Convey("Then it should be marked as stopped and the store closed", func() {
				stats := svc.Stats()
				So(stats["started"], ShouldEqual, false)
				So(st.closed, ShouldBeTrue)
			})
		})
	})
}
