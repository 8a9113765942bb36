package gateway

import (
	"context"
	"time"
)

// RunSweeper removes staged upload files older than maxAge, once at start and
// then every interval, until ctx is done.
func (g *Gateway) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	g.sweep(maxAge)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.sweep(maxAge)
		}
	}
}

func (g *Gateway) sweep(maxAge time.Duration) int {
	n, err := g.stager.Sweep(maxAge)
	if err != nil {
		g.log.Warn().Err(err).Msg("sweep staging dir")
		return 0
	}
	if n > 0 {
		g.log.Info().Int("removed", n).Msg("swept orphaned staged uploads")
	}
	return n
}
