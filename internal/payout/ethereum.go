package payout

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/chain/ethereum"
	"github.com/yourusername/finchwatch/internal/chainerr"
	"github.com/yourusername/finchwatch/internal/keyring"
	"github.com/yourusername/finchwatch/internal/model"
)

// transferGas is the fixed gas cost of a plain value transfer, used both to
// size the outbound transaction and to net the gas cost out of the amount
// being forwarded.
const transferGas = 21000

// TransactionStore loads the recorded incoming transaction a payout is
// netted out of.
type TransactionStore interface {
	ETHTransactionByHash(ctx context.Context, hash string) (*model.ETHTransaction, error)
}

// EthereumDispatcher signs and broadcasts native ETH payouts. The payout
// value is the payment's recorded incoming transaction value, net of gas —
// not the address's live balance, which is taken at face value.
type EthereumDispatcher struct {
	rpc     *ethereum.RPCHelper
	store   TransactionStore
	chainID *big.Int
	log     *zap.Logger
}

// NewEthereumDispatcher builds an EthereumDispatcher. The signing keyring is
// derived per dispatch from the store's own mnemonic, since every store
// carries its own seed.
func NewEthereumDispatcher(rpc *ethereum.RPCHelper, store TransactionStore, chainID *big.Int, log *zap.Logger) *EthereumDispatcher {
	return &EthereumDispatcher{rpc: rpc, store: store, chainID: chainID, log: log}
}

// Dispatch derives the payment's signing key, forwards its recorded
// incoming value minus gas to the store's payout address, and broadcasts
// the signed transaction.
//
// Refund and payout actions are dispatched identically: the store's own
// refund-return-address is not captured at payment creation, so a refund
// currently resolves to the store's configured payout address too,
// distinguished only by Payout.Action for bookkeeping (see DESIGN.md).
func (d *EthereumDispatcher) Dispatch(ctx context.Context, store model.Store, payment model.Payment, payout model.Payout) (string, error) {
	kr, err := keyring.FromMnemonic(store.HDMnemonic, "")
	if err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeKeyDerivation, err, "loading keyring for store %s", store.ID)
	}

	path := keyring.PaymentPath(store.HDPath, payment.CreatedAt, payment.Index)
	privKey, err := kr.EthereumKey(path)
	if err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeKeyDerivation, err, "deriving ethereum key for payment %s", payment.ID)
	}
	from := crypto.PubkeyToAddress(privKey.PublicKey)

	incoming, err := d.incomingValue(ctx, payment)
	if err != nil {
		return "", err
	}

	gasPrice, err := d.rpc.GetGasPrice(ctx)
	if err != nil {
		return "", err
	}

	nonce, err := d.rpc.GetTransactionCount(ctx, from.Hex(), "latest")
	if err != nil {
		return "", err
	}

	fee := new(big.Int).Mul(gasPrice, big.NewInt(transferGas))
	value := new(big.Int).Sub(incoming, fee)
	if value.Sign() <= 0 {
		return "", chainerr.NonRetryablef(chainerr.CodeInsufficientValue, nil, "incoming value %s does not cover gas fee %s for payment %s", incoming, fee, payment.ID)
	}

	destination := store.PayoutAddress(model.CurrencyETH)
	if destination == "" {
		return "", chainerr.NonRetryablef(chainerr.CodeSchemaViolation, nil, "store %s has no ethereum payout address", store.ID)
	}
	to := common.HexToAddress(destination)

	tx := types.NewTransaction(nonce, to, value, transferGas, gasPrice, nil)
	signer := types.NewEIP155Signer(d.chainID)
	signedTx, err := types.SignTx(tx, signer, privKey)
	if err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeSignature, err, "signing payout transaction for payment %s", payment.ID)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeSchemaViolation, err, "encoding signed payout transaction")
	}

	return d.rpc.SendRawTransaction(ctx, hexutil.Encode(raw))
}

// incomingValue loads the value of the transaction that paid this payment,
// per §4.4 step 1 (incoming_tx = payment.transaction). The payout value is
// derived from this recorded amount, not a live balance query, so it is
// exactly the value the payer sent, net of the Processor's own bookkeeping.
func (d *EthereumDispatcher) incomingValue(ctx context.Context, payment model.Payment) (*big.Int, error) {
	record, err := d.store.ETHTransactionByHash(ctx, payment.TransactionHash)
	if err != nil {
		return nil, err
	}
	var tx ethereum.Transaction
	if err := json.Unmarshal([]byte(record.Data), &tx); err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeSchemaViolation, err, "parsing recorded transaction %s", payment.TransactionHash)
	}
	return tx.Value, nil
}
