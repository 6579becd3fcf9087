// Command feedgen serves a synthetic score stream for local runs of the
// tracking engine: point TOPWATCH_SCORE_FEED_URL at ws://<addr>/feed.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/topwatch/internal/feedgen"
	"github.com/okian/topwatch/pkg/logger"
)

// Default generator configuration.
const (
	defaultUserBase = uint64(1000)
	defaultUsers    = 50
	defaultInterval = 200 * time.Millisecond
	defaultNoPP     = 0.1
)

func main() {
	var (
		addr     = flag.String("addr", ":9090", "Listen address for the websocket feed")
		userBase = flag.Uint64("user-base", defaultUserBase, "First synthetic user id")
		users    = flag.Int("users", defaultUsers, "Number of synthetic users")
		interval = flag.Duration("interval", defaultInterval, "Delay between emitted events per client")
		noPP     = flag.Float64("no-pp", defaultNoPP, "Fraction of events without a pp value")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := feedgen.NewServer(*addr, feedgen.Config{
		UserIDBase: *userBase,
		UserCount:  *users,
		NoPPRatio:  *noPP,
	}, *interval)

	if err := srv.Run(ctx); err != nil {
		os.Stderr.WriteString("feed server failed: " + err.Error() + "\n")
	}
}
