package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

// Collector runs one evidence-gathering backend (logs, metrics, workflow)
// against an incident event and returns its result. Implementations never
// return an error from the collect step itself — a backend failure is
// reported as a skipped/errored CollectorResult so one bad collector never
// fails the whole Collect phase.
type Collector interface {
	Type() string
	Collect(ctx context.Context, evt contracts.IncidentEvent, collectorRunID string) contracts.CollectorResult
}

// FanoutConfig bounds how long the Collect phase waits for all collectors.
type FanoutConfig struct {
	PerCollectorTimeout time.Duration
}

// DefaultFanoutConfig matches the configured collector timeout default.
func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{PerCollectorTimeout: 30 * time.Second}
}

// Fanout runs every registered Collector concurrently, one goroutine per
// collector, and joins on all of them before returning.
type Fanout struct {
	collectors []Collector
	config     FanoutConfig
	log        *logrus.Entry
}

// NewFanout builds a Fanout over collectors, applying cfg's per-collector
// timeout uniformly.
func NewFanout(collectors []Collector, cfg FanoutConfig, log *logrus.Entry) *Fanout {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Fanout{collectors: collectors, config: cfg, log: log}
}

// Run collects from every backend in parallel and returns one
// CollectorResult per collector, in registration order. A collector that
// exceeds its timeout or panics yields a failed result rather than aborting
// the other collectors or the caller.
func (f *Fanout) Run(ctx context.Context, evt contracts.IncidentEvent, collectorRunID string) []contracts.CollectorResult {
	results := make([]contracts.CollectorResult, len(f.collectors))
	var wg sync.WaitGroup

	for i, c := range f.collectors {
		wg.Add(1)
		go func(i int, c Collector) {
			defer wg.Done()
			results[i] = f.runOne(ctx, c, evt, collectorRunID)
		}(i, c)
	}

	wg.Wait()
	return results
}

func (f *Fanout) runOne(ctx context.Context, c Collector, evt contracts.IncidentEvent, collectorRunID string) (result contracts.CollectorResult) {
	collectCtx, cancel := context.WithTimeout(ctx, f.config.PerCollectorTimeout)
	defer cancel()

	resultCh := make(chan contracts.CollectorResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- contracts.CollectorResult{
					CollectorType: c.Type(),
					Error:         "collector panicked",
					Cause:         "panic",
				}
			}
		}()
		resultCh <- c.Collect(collectCtx, evt, collectorRunID)
	}()

	select {
	case result = <-resultCh:
		return result
	case <-collectCtx.Done():
		f.log.WithField("collector_type", c.Type()).Warn("collector timed out")
		return contracts.CollectorResult{
			CollectorType: c.Type(),
			Error:         "collector timed out",
			Cause:         "timeout",
		}
	}
}
