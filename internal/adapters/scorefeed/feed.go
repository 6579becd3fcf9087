// Package scorefeed consumes the live score stream over a websocket
// and hands every decoded score to the tracking service.
package scorefeed

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/topwatch/internal/domain/model"
	"github.com/okian/topwatch/pkg/logger"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	readLimit      = 1 << 20
)

// Sink receives every score decoded off the feed.
type Sink interface {
	ProcessScore(ctx context.Context, s model.Score)
}

// scoreEvent is the wire shape of one feed message.
type scoreEvent struct {
	ID          uint64    `json:"id"`
	UserID      uint64    `json:"user_id"`
	Mode        string    `json:"mode"`
	PP          *float64  `json:"pp"`
	MaxCombo    int       `json:"max_combo"`
	MapMaxCombo int       `json:"map_max_combo"`
	EndedAt     time.Time `json:"ended_at"`
}

// Feed is a reconnecting websocket consumer of the score stream.
type Feed struct {
	url    string
	sink   Sink
	dialer *websocket.Dialer

	// mu guards conn. The read loop works on its own reference; conn
	// is held only so Close can interrupt a blocked read.
	mu     sync.Mutex
	conn   *websocket.Conn
	closed atomic.Bool

	logger logger.Logger
}

// New builds a feed for the given websocket URL.
func New(url string, sink Sink) *Feed {
	return &Feed{
		url:    url,
		sink:   sink,
		dialer: websocket.DefaultDialer,
		logger: logger.Get().Named("scorefeed"),
	}
}

// Run connects and consumes the feed until ctx is canceled or Close is
// called. Connection loss triggers reconnects with exponential backoff.
func (f *Feed) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		f.Close()
	}()

	backoff := initialBackoff
	for !f.closed.Load() {
		conn, ok := f.reconnect(ctx, &backoff)
		if !ok {
			return
		}
		f.consume(ctx, conn, &backoff)
	}
}

// Close stops the feed permanently.
func (f *Feed) Close() {
	f.closed.Store(true)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		closeConn(f.conn)
		f.conn = nil
	}
}

// consume reads the connection until it fails or the feed is stopped.
func (f *Feed) consume(ctx context.Context, conn *websocket.Conn, backoff *time.Duration) {
	defer f.detach(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !f.closed.Load() {
				f.logger.Warn(ctx, "feed read failed, reconnecting", logger.Error(err))
			}
			return
		}

		var ev scoreEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.Warn(ctx, "undecodable feed message", logger.Error(err))
			continue
		}

		s, err := ev.toScore()
		if err != nil {
			f.logger.Warn(ctx, "feed message with unknown mode",
				logger.String("mode", ev.Mode),
				logger.Error(err),
			)
			continue
		}

		f.sink.ProcessScore(ctx, s)
		*backoff = initialBackoff
	}
}

// reconnect dials until it succeeds or the feed is stopped. It reports
// false when the feed should give up.
func (f *Feed) reconnect(ctx context.Context, backoff *time.Duration) (*websocket.Conn, bool) {
	for !f.closed.Load() {
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err == nil {
			conn.SetReadLimit(readLimit)
			if !f.attach(conn) {
				return nil, false
			}
			f.logger.Info(ctx, "connected to score feed", logger.String("url", f.url))
			*backoff = initialBackoff
			return conn, true
		}

		f.logger.Warn(ctx, "score feed dial failed",
			logger.Duration("retry_in", *backoff),
			logger.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(*backoff):
		}
		if *backoff < maxBackoff {
			*backoff *= 2
			if *backoff > maxBackoff {
				*backoff = maxBackoff
			}
		}
	}
	return nil, false
}

// attach publishes a freshly dialed connection. It reports false, and
// closes the connection, when the feed was stopped during the dial.
func (f *Feed) attach(conn *websocket.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed.Load() {
		_ = conn.Close()
		return false
	}
	f.conn = conn
	return true
}

// detach closes a connection the read loop is done with. Close may
// already have taken it down; closing twice is harmless.
func (f *Feed) detach(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	closeConn(conn)
	if f.conn == conn {
		f.conn = nil
	}
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
		time.Now().Add(500*time.Millisecond))
	_ = conn.Close()
}

func (e *scoreEvent) toScore() (model.Score, error) {
	mode, err := model.ParseMode(e.Mode)
	if err != nil {
		return model.Score{}, err
	}
	return model.Score{
		ID:          e.ID,
		UserID:      e.UserID,
		Mode:        mode,
		PP:          e.PP,
		MaxCombo:    e.MaxCombo,
		MapMaxCombo: e.MapMaxCombo,
		EndedAt:     e.EndedAt,
	}, nil
}
