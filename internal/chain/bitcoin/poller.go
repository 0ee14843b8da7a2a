package bitcoin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/chainerr"
)

const retryLimit = 10

// pollBlockDelay and pollMempoolDelay are vars, not consts, so tests can
// shrink them rather than wait out real wall-clock sleeps.
var (
	pollBlockDelay   = 3 * time.Second
	pollMempoolDelay = 3 * time.Second
)

// BlockIngest is one fully-fetched block handed from the Poller to the
// Processor: the block header plus every non-coinbase transaction body.
type BlockIngest struct {
	Block        *Block
	Transactions []*Transaction
}

// MempoolIngest is a mempool diff batch: transactions newly seen since the
// previous poll.
type MempoolIngest struct {
	Transactions []*Transaction
}

// BlockProcessor is the Poller's downstream collaborator. ProcessBlock must
// block until the block is durably applied, since the Poller will not
// advance to h+1 until it returns.
type BlockProcessor interface {
	ProcessBlock(ctx context.Context, ingest BlockIngest) error
	ProcessMempoolTransactions(ctx context.Context, ingest MempoolIngest) error
}

// WatermarkSource reports the last persisted block height for Bootstrap.
type WatermarkSource interface {
	BitcoinWatermark(ctx context.Context) (*uint64, error)
}

// Poller drives progress along the Bitcoin chain: a block-height cursor
// advanced in strict order, and an independent mempool-diff cursor.
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

// Start runs Bootstrap (unless skipMissed) and then the block and mempool
// loops concurrently, until ctx is cancelled or either loop hits a fatal
// error. It blocks until both loops have exited.
func (p *Poller) Start(ctx context.Context, skipMissed bool) error {
	next, err := p.bootstrap(ctx, skipMissed)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- p.blockLoop(ctx, next) }()
	go func() { errCh <- p.mempoolLoop(ctx) }()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
			cancel() // a fatal error in one loop stops the other
		}
	}
	return first
}

// bootstrap replays every block between the persisted watermark and the
// node's current tip, returning the height steady-state polling should
// resume at.
func (p *Poller) bootstrap(ctx context.Context, skipMissed bool) (uint64, error) {
	tip, err := p.rpc.GetBlockCount(ctx)
	if err != nil {
		return 0, err
	}

	if skipMissed {
		return tip + 1, nil
	}

	watermark, err := p.watermark.BitcoinWatermark(ctx)
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
		ingest, err := p.fetchBlock(ctx, h)
		if err != nil {
			return 0, err
		}
		if err := p.processor.ProcessBlock(ctx, *ingest); err != nil {
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

		ingest, err := p.fetchBlock(ctx, next)
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
			if err := sleep(ctx, pollBlockDelay); err != nil {
				return nil
			}
			continue
		}

		if err := p.processor.ProcessBlock(ctx, *ingest); err != nil {
			return err
		}
		retries = 0
		next++

		if err := sleep(ctx, pollBlockDelay); err != nil {
			return nil
		}
	}
}

// fetchBlock retrieves the block at height and every non-coinbase
// transaction body it contains.
func (p *Poller) fetchBlock(ctx context.Context, height uint64) (*BlockIngest, error) {
	hash, err := p.rpc.GetBlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	block, err := p.rpc.GetBlock(ctx, hash)
	if err != nil {
		return nil, err
	}

	txs := make([]*Transaction, 0, len(block.Tx))
	for i, txid := range block.Tx {
		if i == 0 {
			continue // coinbase
		}
		tx, err := p.rpc.GetRawTransaction(ctx, txid)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	return &BlockIngest{Block: block, Transactions: txs}, nil
}

// mempoolLoop polls the node's mempool and forwards the diff against the
// previous poll. It never advances the block watermark.
func (p *Poller) mempoolLoop(ctx context.Context) error {
	previous := make(map[string]bool)
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		txids, err := p.rpc.GetRawMempool(ctx)
		if err != nil {
			if ce, ok := err.(*chainerr.ChainError); ok && ce.Code == chainerr.CodeEmptyResponse {
				retries = 0
			} else {
				retries++
				if retries >= retryLimit {
					return &chainerr.RetryLimitExceeded{Attempts: retries, Cause: err}
				}
			}
			if err := sleep(ctx, pollMempoolDelay); err != nil {
				return nil
			}
			continue
		}

		current := make(map[string]bool, len(txids))
		var fresh []string
		for _, txid := range txids {
			current[txid] = true
			if !previous[txid] {
				fresh = append(fresh, txid)
			}
		}

		if len(fresh) > 0 {
			txs := make([]*Transaction, 0, len(fresh))
			for _, txid := range fresh {
				tx, err := p.rpc.GetRawTransaction(ctx, txid)
				if err != nil {
					continue // best-effort: a single vanished mempool tx doesn't abort the diff
				}
				txs = append(txs, tx)
			}
			if err := p.processor.ProcessMempoolTransactions(ctx, MempoolIngest{Transactions: txs}); err != nil {
				return err
			}
		}

		previous = current
		retries = 0
		if err := sleep(ctx, pollMempoolDelay); err != nil {
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
