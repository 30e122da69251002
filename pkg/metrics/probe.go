package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// probeInterval matches the collector's cadence; dependency health
// does not need to be checked any more often than the fleet metrics
// it sits alongside.
const probeInterval = 60 * time.Second

// LivenessCheck is a single named dependency probe: it returns nil if
// the dependency answered, or an error describing why it didn't.
type LivenessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Prober runs a set of LivenessChecks on a timer and feeds their
// results into a Registry, so /health and /ready reflect the daemon's
// actual ability to reach its dependencies rather than just "the
// process is running".
type Prober struct {
	registry *Registry
	checks   []LivenessCheck
	log      zerolog.Logger
	stopCh   chan struct{}
}

// NewProber builds a Prober. Each check in checks is run once
// immediately and then every probeInterval.
func NewProber(registry *Registry, checks []LivenessCheck, log zerolog.Logger) *Prober {
	return &Prober{
		registry: registry,
		checks:   checks,
		log:      log.With().Str("component", "health_prober").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the probe loop.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	go func() {
		p.runOnce(ctx)
		for {
			select {
			case <-ticker.C:
				p.runOnce(ctx)
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-p.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the probe loop.
func (p *Prober) Stop() {
	close(p.stopCh)
}

func (p *Prober) runOnce(ctx context.Context) {
	for _, c := range p.checks {
		err := c.Check(ctx)
		if err != nil {
			p.registry.Observe(c.Name, false, err.Error())
			p.log.Warn().Err(err).Str("component", c.Name).Msg("dependency probe failed")
			continue
		}
		p.registry.Observe(c.Name, true, "")
	}
}
