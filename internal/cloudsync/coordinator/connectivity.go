package coordinator

import (
	"context"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
)

// ProbeConfig configures WatchConnectivity.
type ProbeConfig struct {
	// Interval between pings. Defaults to 10s.
	Interval time.Duration

	// Timeout for a single ping. Defaults to Interval.
	Timeout time.Duration
}

// ConnectivityCallback is called with the new reachability of the cloud.
type ConnectivityCallback func(online bool)

// WatchConnectivity pings p every interval and calls onChange with the
// first result and then on every transition. It blocks until ctx is
// cancelled and returns ctx.Err().
//
// The usual callback is Coordinator.SetOnline.
func WatchConnectivity(ctx context.Context, p transport.Pinger, config ProbeConfig, onChange ConnectivityCallback) error {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = config.Interval
	}

	var (
		known  bool
		online bool
	)
	probe := func() {
		pingCtx, cancel := context.WithTimeout(ctx, config.Timeout)
		up := p.Ping(pingCtx) == nil
		cancel()
		if ctx.Err() != nil {
			return
		}
		if known && up == online {
			return
		}
		known, online = true, up
		onChange(up)
	}

	probe()

	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			probe()
		}
	}
}
