package payout

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/yourusername/finchwatch/internal/chain/bitcoin"
	"github.com/yourusername/finchwatch/internal/chainerr"
	"github.com/yourusername/finchwatch/internal/keyring"
	"github.com/yourusername/finchwatch/internal/model"
)

// feeTargetBlocks is the confirmation target used to price the sweep
// transaction's fee rate.
const feeTargetBlocks = 3

// BitcoinDispatcher signs and broadcasts native BTC payouts. It sweeps every
// unspent output at the payment's one-time address to the store's payout
// address as a single P2WPKH transaction, net of the estimated network fee.
type BitcoinDispatcher struct {
	rpc     *bitcoin.RPCHelper
	network *chaincfg.Params
	log     *zap.Logger
}

// NewBitcoinDispatcher builds a BitcoinDispatcher for the given network
// ("mainnet", "testnet3", "regtest" per the chaincfg params selected by the
// caller). The signing keyring is derived per dispatch from the store's own
// mnemonic, since every store carries its own seed.
func NewBitcoinDispatcher(rpc *bitcoin.RPCHelper, network *chaincfg.Params, log *zap.Logger) *BitcoinDispatcher {
	return &BitcoinDispatcher{rpc: rpc, network: network, log: log}
}

// Dispatch derives the payment's signing key, sweeps its unspent outputs to
// the store's payout address, and broadcasts the signed transaction.
//
// Refund and payout actions are dispatched identically, for the same reason
// documented on EthereumDispatcher.Dispatch.
func (d *BitcoinDispatcher) Dispatch(ctx context.Context, store model.Store, payment model.Payment, payout model.Payout) (string, error) {
	kr, err := keyring.FromMnemonic(store.HDMnemonic, "")
	if err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeKeyDerivation, err, "loading keyring for store %s", store.ID)
	}

	path := keyring.PaymentPath(store.HDPath, payment.CreatedAt, payment.Index)
	privKey, err := kr.BitcoinKey(path)
	if err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeKeyDerivation, err, "deriving bitcoin key for payment %s", payment.ID)
	}

	utxos, err := d.rpc.ListUnspent(ctx, payment.Address)
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", chainerr.NonRetryablef(chainerr.CodeInsufficientValue, nil, "no unspent outputs at %s", payment.Address)
	}

	feeRate, err := d.rpc.EstimateSmartFee(ctx, feeTargetBlocks)
	if err != nil {
		return "", err
	}

	destination := store.PayoutAddress(model.CurrencyBTC)
	if destination == "" {
		return "", chainerr.NonRetryablef(chainerr.CodeSchemaViolation, nil, "store %s has no bitcoin payout address", store.ID)
	}

	txHex, err := d.buildAndSign(privKey, utxos, destination, feeRate)
	if err != nil {
		return "", err
	}

	return d.rpc.SendRawTransaction(ctx, txHex)
}

func (d *BitcoinDispatcher) buildAndSign(privKey *btcec.PrivateKey, utxos []bitcoin.UnspentOutput, destination string, feeRateSatPerByte int64) (string, error) {
	pubKey := privKey.PubKey()

	destAddr, err := btcutil.DecodeAddress(destination, d.network)
	if err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeSchemaViolation, err, "invalid payout address %s", destination)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeSchemaViolation, err, "building payout script")
	}

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	sourceAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, d.network)
	if err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeKeyDerivation, err, "deriving source address")
	}
	sourceScript, err := txscript.PayToAddrScript(sourceAddr)
	if err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeSchemaViolation, err, "building source script")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var total int64
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", chainerr.NonRetryablef(chainerr.CodeSchemaViolation, err, "invalid utxo txid %s", u.TxID)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
		total += u.AmountSats
	}

	// P2WPKH estimate: 10 bytes overhead, ~68 vbytes per input, ~31 per output.
	estimatedSize := int64(10 + 68*len(utxos) + 31)
	fee := feeRateSatPerByte * estimatedSize
	netValue := total - fee
	if netValue <= 0 {
		return "", chainerr.NonRetryablef(chainerr.CodeInsufficientValue, nil, "utxo total %d sats does not cover fee %d sats", total, fee)
	}
	tx.AddTxOut(wire.NewTxOut(netValue, destScript))

	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for i, u := range utxos {
		prevOuts.AddPrevOut(tx.TxIn[i].PreviousOutPoint, &wire.TxOut{Value: u.AmountSats, PkScript: sourceScript})
	}
	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)

	for i, u := range utxos {
		sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, i, u.AmountSats, sourceScript, txscript.SigHashAll, privKey)
		if err != nil {
			return "", chainerr.NonRetryablef(chainerr.CodeSignature, err, "signing input %d of payout sweep", i)
		}
		tx.TxIn[i].Witness = wire.TxWitness{sig, pubKey.SerializeCompressed()}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeSchemaViolation, err, "serializing signed payout transaction")
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
