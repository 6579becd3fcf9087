package feedgen

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/topwatch/pkg/logger"
)

const (
	readTimeout       = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	writeTimeout      = 10 * time.Second
)

// Server serves the synthetic stream to any number of websocket clients.
// Each client gets its own generator so streams are independent.
type Server struct {
	addr     string
	cfg      Config
	interval time.Duration
	upgrader websocket.Upgrader
	logger   logger.Logger
}

// NewServer creates a feed server emitting one event per interval to
// each connected client.
func NewServer(addr string, cfg Config, interval time.Duration) *Server {
	return &Server{
		addr:     addr,
		cfg:      cfg,
		interval: interval,
		logger:   logger.Get().Named("feedgen"),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		s.serveClient(ctx, w, r)
	})

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "serving synthetic score feed", logger.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveClient(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(ctx, "websocket upgrade failed", logger.Error(err))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	gen := NewGenerator(s.cfg)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info(ctx, "client connected", logger.String("remote", conn.RemoteAddr().String()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(gen.Next()); err != nil {
				s.logger.Info(ctx, "client disconnected", logger.Error(err))
				return
			}
		}
	}
}
