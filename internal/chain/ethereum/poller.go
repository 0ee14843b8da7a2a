package ethereum

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/chainerr"
)

const retryLimit = 10

// pollDelay is a var, not a const, so tests can shrink it rather than wait
// out real wall-clock sleeps.
var pollDelay = 3 * time.Second

// BlockIngest is one fully-fetched block handed from the Poller to the
// Processor.
type BlockIngest struct {
	Block *Block
}

// BlockProcessor is the Poller's downstream collaborator. ProcessBlock must
// block until the block is durably applied, since the Poller will not
// advance to h+1 until it returns.
type BlockProcessor interface {
	ProcessBlock(ctx context.Context, ingest BlockIngest) error
}

// WatermarkSource reports the last persisted block height for Bootstrap.
type WatermarkSource interface {
	EthereumWatermark(ctx context.Context) (*uint64, error)
}

// Poller drives progress along the Ethereum chain: a single block-height
// cursor advanced in strict order. Unlike Bitcoin, there is no separate
// mempool loop — Ethereum payments only gain visibility at confirmation.
type Poller struct {
	rpc       *RPCHelper
	processor BlockProcessor
	watermark WatermarkSource
	log       *zap.Logger
}

// NewPoller builds a Poller over the given RPC helper and processor.
func NewPoller(rpcHelper *RPCHelper, processor BlockProcessor, watermark WatermarkSource, log *zap.Logger) *Poller {
	return &Poller{rpc: rpcHelper, processor: processor, watermark: watermark, log: log}
}

// Start runs Bootstrap (unless skipMissed) and then the steady-state block
// loop, until ctx is cancelled or the loop hits a fatal error.
func (p *Poller) Start(ctx context.Context, skipMissed bool) error {
	next, err := p.bootstrap(ctx, skipMissed)
	if err != nil {
		return err
	}
	return p.blockLoop(ctx, next)
}

// bootstrap replays every block between the persisted watermark and the
// node's current tip, returning the height steady-state polling should
// resume at.
func (p *Poller) bootstrap(ctx context.Context, skipMissed bool) (uint64, error) {
	tip, err := p.rpc.GetBlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	if skipMissed {
		return tip + 1, nil
	}

	watermark, err := p.watermark.EthereumWatermark(ctx)
	if err != nil {
		return 0, err
	}
	if watermark == nil {
		return tip + 1, nil
	}
	if *watermark >= tip {
		return *watermark + 1, nil
	}

	p.log.Info("bootstrap replaying missed blocks", zap.Uint64("from", *watermark+1), zap.Uint64("to", tip))
	for h := *watermark + 1; h <= tip; h++ {
		block, err := p.rpc.GetBlockByNumber(ctx, h)
		if err != nil {
			return 0, err
		}
		if err := p.processor.ProcessBlock(ctx, BlockIngest{Block: block}); err != nil {
			return 0, err
		}
	}
	return tip + 1, nil
}

// blockLoop is the steady-state WAIT -> FETCH -> FORWARD cycle for one
// height at a time, in strict order.
func (p *Poller) blockLoop(ctx context.Context, next uint64) error {
	retries := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		block, err := p.rpc.GetBlockByNumber(ctx, next)
		if err != nil {
			ce, ok := err.(*chainerr.ChainError)
			if !ok || ce.Classification != chainerr.Retryable {
				return err
			}
			if ce.Code == chainerr.CodeEmptyResponse {
				retries = 0
			} else {
				retries++
				if retries >= retryLimit {
					return &chainerr.RetryLimitExceeded{Attempts: retries, Cause: err}
				}
			}
			if err := sleep(ctx, pollDelay); err != nil {
				return nil
			}
			continue
		}

		if err := p.processor.ProcessBlock(ctx, BlockIngest{Block: block}); err != nil {
			return err
		}
		retries = 0
		next++

		if err := sleep(ctx, pollDelay); err != nil {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
