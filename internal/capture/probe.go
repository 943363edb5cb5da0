package capture

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-scan-sync/pkg/metrics"
)

// Prober reports whether the station can reach the outside world
// It is informational only; the sync loop never consults it
type Prober struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	logger   *slog.Logger

	// 0 unknown, 1 online, 2 offline
	state atomic.Int32
}

func NewProber(addr string, interval time.Duration, logger *slog.Logger) *Prober {
	d := &net.Dialer{}
	return &Prober{
		addr:     addr,
		interval: interval,
		timeout:  5 * time.Second,
		dial:     d.DialContext,
		logger:   logger,
	}
}

// Check dials once and records the result
func (p *Prober) Check(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	online := false
	if conn, err := p.dial(dialCtx, "tcp", p.addr); err == nil {
		conn.Close()
		online = true
	}

	next := int32(2)
	if online {
		next = 1
		metrics.NetworkOnline.Set(1)
	} else {
		metrics.NetworkOnline.Set(0)
	}

	if prev := p.state.Swap(next); prev != next {
		if online {
			p.logger.Info("Network Status: Online", "probe", p.addr)
		} else {
			p.logger.Warn("Network Status: Offline", "probe", p.addr)
		}
	}
	return online
}

// Online reports the last probe result
func (p *Prober) Online() bool {
	return p.state.Load() == 1
}

// Run probes immediately and then every interval until ctx is canceled
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
