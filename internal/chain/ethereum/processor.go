package ethereum

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/chainerr"
	"github.com/yourusername/finchwatch/internal/model"
	"github.com/yourusername/finchwatch/internal/store"
)

// weiPerETH normalizes integer wei to the ETH-denominated units
// Payment.Price is expressed in.
var weiPerETH = new(big.Float).SetFloat64(1e18)

// PaymentStore is the subset of the store layer the Processor needs.
type PaymentStore interface {
	OpenPaymentsByAddresses(ctx context.Context, currency model.Currency, addresses []string) ([]model.Payment, error)
	ApplyMatchedPayment(ctx context.Context, w store.MatchedPaymentWrite) error
	AdvanceWatermark(ctx context.Context, currency model.Currency, height uint64) error
}

// Processor reconciles Ethereum blocks against open payments. Ethereum has
// no mempool-diff path (see Poller) so all visibility comes through
// ProcessBlock.
type Processor struct {
	store PaymentStore
	log   *zap.Logger
}

// NewProcessor builds a Processor over the given store.
func NewProcessor(store PaymentStore, log *zap.Logger) *Processor {
	return &Processor{store: store, log: log}
}

// ProcessBlock applies one block: for every payment whose address received
// a transaction in this block, update its status, schedule a payout, and
// write everything in one transaction per payment. Once every match is
// written, the watermark advances to block.Number.
//
// Reorg handling is out of scope: once a block's effects are written, they
// are permanent (see DESIGN.md).
func (p *Processor) ProcessBlock(ctx context.Context, ingest BlockIngest) error {
	addresses, byAddress := extractCandidates(ingest.Block.Transactions)
	if len(addresses) == 0 {
		return p.store.AdvanceWatermark(ctx, model.CurrencyETH, ingest.Block.Number)
	}

	payments, err := p.store.OpenPaymentsByAddresses(ctx, model.CurrencyETH, addresses)
	if err != nil {
		return err
	}

	for _, payment := range payments {
		match, ok := byAddress[payment.Address]
		if !ok {
			continue
		}
		if err := p.applyMatch(ctx, payment, match, ingest.Block.Number); err != nil {
			p.log.Warn("skipping payment after match-apply error", zap.String("payment_id", payment.ID.String()), zap.Error(err))
		}
	}

	return p.store.AdvanceWatermark(ctx, model.CurrencyETH, ingest.Block.Number)
}

// extractCandidates indexes each transaction by its recipient address. If
// more than one transaction in the block pays the same address, the first
// one scanned wins (deterministic block order).
func extractCandidates(txs []*Transaction) (addresses []string, byAddress map[string]*Transaction) {
	byAddress = make(map[string]*Transaction)
	for _, tx := range txs {
		if tx.To == "" {
			continue
		}
		if _, seen := byAddress[tx.To]; seen {
			continue
		}
		byAddress[tx.To] = tx
		addresses = append(addresses, tx.To)
	}
	return addresses, byAddress
}

// applyMatch computes the new payment status and scheduled payout action
// for one matched payment, per §4.2 step 3, then persists the transaction
// record, payment, and payout row in one database transaction.
func (p *Processor) applyMatch(ctx context.Context, payment model.Payment, tx *Transaction, blockNumber uint64) error {
	paid := weiToETH(tx.Value)

	var action model.PayoutAction
	switch {
	case payment.Status != model.PaymentPending:
		action = model.PayoutActionRefund
	case !payment.ExpiresAt.IsZero() && time.Now().After(payment.ExpiresAt):
		payment.Status = model.PaymentExpired
		action = model.PayoutActionRefund
	case paid >= payment.Price:
		payment.Status = model.PaymentPaid
		action = model.PayoutActionPayout
	default:
		payment.Status = model.PaymentInsufficientAmount
		action = model.PayoutActionRefund
	}

	blockHeightRequired := blockNumber + payment.ConfirmationsRequired - 1
	payment.BlockHeightRequired = &blockHeightRequired
	payment.TransactionHash = tx.Hash

	body, err := json.Marshal(tx)
	if err != nil {
		return chainerr.NonRetryablef(chainerr.CodeSchemaViolation, err, "marshaling transaction %s", tx.Hash)
	}

	payout := &model.Payout{
		ID:                  uuid.New(),
		PaymentID:           payment.ID,
		StoreID:             payment.StoreID,
		Currency:            model.CurrencyETH,
		Action:              action,
		Status:              model.PayoutPending,
		BlockHeightRequired: blockHeightRequired,
		CreatedAt:           time.Now(),
	}

	return p.store.ApplyMatchedPayment(ctx, store.MatchedPaymentWrite{
		Payment:   payment,
		Payout:    payout,
		ETHTxHash: tx.Hash,
		ETHTxBody: string(body),
	})
}

func weiToETH(wei *big.Int) float64 {
	f := new(big.Float).SetInt(wei)
	f.Quo(f, weiPerETH)
	v, _ := f.Float64()
	return v
}
