// Package engine wires each enabled chain's Poller, Processor, and payout
// Monitor into one supervised set of goroutines, with coordinated shutdown.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/payout"
)

const monitorInterval = 15 * time.Second

// Poller is the subset of bitcoin.Poller/ethereum.Poller the engine drives.
type Poller interface {
	Start(ctx context.Context, skipMissed bool) error
}

// Chain bundles one currency's Poller and payout Monitor together so the
// engine can start and report on them uniformly.
type Chain struct {
	Name    string
	Poller  Poller
	Monitor *payout.Monitor
}

// Engine runs every configured Chain's Poller and Monitor concurrently until
// its context is cancelled, then waits for all of them to exit.
type Engine struct {
	chains     []Chain
	skipMissed bool
	log        *zap.Logger

	wg     sync.WaitGroup
	errsMu sync.Mutex
	errs   []error
}

// New builds an Engine over the given chains.
func New(chains []Chain, skipMissed bool, log *zap.Logger) *Engine {
	return &Engine{chains: chains, skipMissed: skipMissed, log: log}
}

// Run starts every chain's Poller and Monitor and blocks until ctx is
// cancelled and all goroutines have exited. It returns the first error
// encountered, if any.
func (e *Engine) Run(ctx context.Context) error {
	for _, chain := range e.chains {
		chain := chain
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := chain.Poller.Start(ctx, e.skipMissed); err != nil {
				e.log.Error("poller exited with error", zap.String("chain", chain.Name), zap.Error(err))
				e.recordErr(err)
			}
		}()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := chain.Monitor.Start(ctx, monitorInterval); err != nil {
				e.log.Error("payout monitor exited with error", zap.String("chain", chain.Name), zap.Error(err))
				e.recordErr(err)
			}
		}()
	}

	e.wg.Wait()

	e.errsMu.Lock()
	defer e.errsMu.Unlock()
	if len(e.errs) > 0 {
		return e.errs[0]
	}
	return nil
}

func (e *Engine) recordErr(err error) {
	e.errsMu.Lock()
	defer e.errsMu.Unlock()
	e.errs = append(e.errs, err)
}
