package bitcoin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/chainerr"
	"github.com/yourusername/finchwatch/internal/model"
	"github.com/yourusername/finchwatch/internal/store"
)

// satoshisPerBTC normalizes integer satoshis to the BTC-denominated units
// Payment.Price is expressed in. Using 10^8 here (not 10^18, Ethereum's
// scale) is deliberate — see the Bitcoin/Ethereum unit note in DESIGN.md.
const satoshisPerBTC = 1e8

// PaymentStore is the subset of the store layer the Processor needs.
type PaymentStore interface {
	OpenPaymentsByAddresses(ctx context.Context, currency model.Currency, addresses []string) ([]model.Payment, error)
	ApplyMatchedPayment(ctx context.Context, w store.MatchedPaymentWrite) error
	AdvanceWatermark(ctx context.Context, currency model.Currency, height uint64) error
}

// Processor reconciles Bitcoin blocks and mempool transactions against open
// payments.
type Processor struct {
	store PaymentStore
	log   *zap.Logger
}

// NewProcessor builds a Processor over the given store.
func NewProcessor(store PaymentStore, log *zap.Logger) *Processor {
	return &Processor{store: store, log: log}
}

// candidateMatch is one transaction output addressed to a candidate
// recipient: the payment it might settle, once matched against the DB.
type candidateMatch struct {
	tx   *Transaction
	vout Vout
}

// extractCandidates walks every transaction's outputs and records the first
// address of each output's scriptPubKey, matching the source's "first
// address of a multi-address script" behavior. If one address appears in
// more than one output, the first match wins (deterministic scan order).
func extractCandidates(txs []*Transaction) (addresses []string, byAddress map[string]candidateMatch) {
	byAddress = make(map[string]candidateMatch)
	for _, tx := range txs {
		for _, vout := range tx.Vout {
			if len(vout.ScriptPubKey.Addresses) == 0 {
				continue
			}
			addr := vout.ScriptPubKey.Addresses[0]
			if _, seen := byAddress[addr]; seen {
				continue
			}
			byAddress[addr] = candidateMatch{tx: tx, vout: vout}
			addresses = append(addresses, addr)
		}
	}
	return addresses, byAddress
}

// ProcessBlock applies one block: for every payment whose address was paid
// in this block, update its status, schedule a payout, and write everything
// in one transaction per payment. Once every match is written, the
// watermark advances to block.Height.
//
// Reorg handling is out of scope: once a block's effects are written, they
// are permanent, matching the source's behavior (see DESIGN.md).
func (p *Processor) ProcessBlock(ctx context.Context, ingest BlockIngest) error {
	addresses, byAddress := extractCandidates(ingest.Transactions)
	if len(addresses) == 0 {
		return p.store.AdvanceWatermark(ctx, model.CurrencyBTC, ingest.Block.Height)
	}

	payments, err := p.store.OpenPaymentsByAddresses(ctx, model.CurrencyBTC, addresses)
	if err != nil {
		return err
	}

	for _, payment := range payments {
		match, ok := byAddress[payment.Address]
		if !ok {
			continue
		}
		if err := p.applyMatch(ctx, payment, match, ingest.Block.Height); err != nil {
			p.log.Warn("skipping payment after match-apply error", zap.String("payment_id", payment.ID.String()), zap.Error(err))
		}
	}

	return p.store.AdvanceWatermark(ctx, model.CurrencyBTC, ingest.Block.Height)
}

// ProcessMempoolTransactions gives pre-confirmation visibility: it updates
// payment status from mempool-observed transactions without touching
// block_height_required or the watermark.
func (p *Processor) ProcessMempoolTransactions(ctx context.Context, ingest MempoolIngest) error {
	addresses, byAddress := extractCandidates(ingest.Transactions)
	if len(addresses) == 0 {
		return nil
	}

	payments, err := p.store.OpenPaymentsByAddresses(ctx, model.CurrencyBTC, addresses)
	if err != nil {
		return err
	}

	for _, payment := range payments {
		match, ok := byAddress[payment.Address]
		if !ok || payment.Status != model.PaymentPending {
			continue
		}
		paid := float64(match.vout.ValueSatoshis) / satoshisPerBTC
		switch {
		case !payment.ExpiresAt.IsZero() && time.Now().After(payment.ExpiresAt):
			payment.Status = model.PaymentExpired
		case paid >= payment.Price:
			payment.Status = model.PaymentPaid
		default:
			payment.Status = model.PaymentInsufficientAmount
		}
		if err := p.store.ApplyMatchedPayment(ctx, store.MatchedPaymentWrite{Payment: payment}); err != nil {
			p.log.Warn("mempool payment update failed", zap.String("payment_id", payment.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// applyMatch computes the new payment status and scheduled payout action
// for one matched payment, per §4.2 step 3, then persists the transaction
// record, payment, and payout row in one database transaction.
func (p *Processor) applyMatch(ctx context.Context, payment model.Payment, match candidateMatch, blockHeight uint64) error {
	paid := float64(match.vout.ValueSatoshis) / satoshisPerBTC

	var action model.PayoutAction
	switch {
	// A status set from the mempool has no block height yet and is settled
	// here; only a payment already confirmed by an earlier block is a late
	// arrival.
	case payment.Status != model.PaymentPending && payment.BlockHeightRequired != nil:
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

	blockHeightRequired := blockHeight + payment.ConfirmationsRequired - 1
	payment.BlockHeightRequired = &blockHeightRequired
	payment.TransactionHash = match.tx.Hash

	body, err := json.Marshal(match.tx)
	if err != nil {
		return chainerr.NonRetryablef(chainerr.CodeSchemaViolation, err, "marshaling transaction %s", match.tx.Txid)
	}

	payout := &model.Payout{
		ID:                  uuid.New(),
		PaymentID:           payment.ID,
		StoreID:             payment.StoreID,
		Currency:            model.CurrencyBTC,
		Action:              action,
		Status:              model.PayoutPending,
		BlockHeightRequired: blockHeightRequired,
		CreatedAt:           time.Now(),
	}

	return p.store.ApplyMatchedPayment(ctx, store.MatchedPaymentWrite{
		Payment:   payment,
		Payout:    payout,
		BTCTxID:   match.tx.Txid,
		BTCTxBody: string(body),
	})
}
