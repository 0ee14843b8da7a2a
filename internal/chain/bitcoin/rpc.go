package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"

	"github.com/yourusername/finchwatch/internal/chainerr"
	"github.com/yourusername/finchwatch/internal/rpc"
)

// RPCHelper wraps a shared rpc.Client with the typed Bitcoin Core calls this
// engine needs.
type RPCHelper struct {
	client rpc.Client
}

// NewRPCHelper builds an RPCHelper over client.
func NewRPCHelper(client rpc.Client) *RPCHelper {
	return &RPCHelper{client: client}
}

// GetBlockCount returns the node's current chain tip height.
func (r *RPCHelper) GetBlockCount(ctx context.Context) (uint64, error) {
	result, err := r.client.Call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, classify(err, "getblockcount")
	}
	var count uint64
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing getblockcount result")
	}
	return count, nil
}

// GetBlockHash returns the hash of the block at height.
func (r *RPCHelper) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	result, err := r.client.Call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return "", classify(err, "getblockhash")
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing getblockhash result")
	}
	return hash, nil
}

// GetBlock fetches the block body (verbosity 1: header plus member txids).
func (r *RPCHelper) GetBlock(ctx context.Context, hash string) (*Block, error) {
	result, err := r.client.Call(ctx, "getblock", []interface{}{hash, 1})
	if err != nil {
		return nil, classify(err, "getblock")
	}
	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing getblock result")
	}
	return &block, nil
}

// rawTransactionResult mirrors getrawtransaction's verbose JSON shape, with
// vout values expressed in BTC (as bitcoind reports them) before this
// helper normalizes to satoshis.
type rawTransactionResult struct {
	Txid          string `json:"txid"`
	Hash          string `json:"hash"`
	Hex           string `json:"hex"`
	Confirmations uint32 `json:"confirmations"`
	Vin           []Vin  `json:"vin"`
	Vout          []struct {
		Value        float64      `json:"value"`
		N            uint32       `json:"n"`
		ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
	} `json:"vout"`
}

// GetRawTransaction fetches the verbose transaction body for txid.
func (r *RPCHelper) GetRawTransaction(ctx context.Context, txid string) (*Transaction, error) {
	result, err := r.client.Call(ctx, "getrawtransaction", []interface{}{txid, true})
	if err != nil {
		return nil, classify(err, "getrawtransaction")
	}
	var raw rawTransactionResult
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing getrawtransaction result")
	}

	tx := &Transaction{
		Txid:          raw.Txid,
		Hash:          raw.Hash,
		RawHex:        raw.Hex,
		Confirmations: raw.Confirmations,
		Vin:           raw.Vin,
		Vout:          make([]Vout, len(raw.Vout)),
	}
	for i, v := range raw.Vout {
		tx.Vout[i] = Vout{
			ValueSatoshis: int64(v.Value*1e8 + 0.5),
			N:             v.N,
			ScriptPubKey:  v.ScriptPubKey,
		}
	}
	return tx, nil
}

// GetRawMempool returns the set of txids currently in the node's mempool.
func (r *RPCHelper) GetRawMempool(ctx context.Context) ([]string, error) {
	result, err := r.client.Call(ctx, "getrawmempool", []interface{}{false})
	if err != nil {
		return nil, classify(err, "getrawmempool")
	}
	var txids []string
	if err := json.Unmarshal(result, &txids); err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing getrawmempool result")
	}
	return txids, nil
}

// SendRawTransaction broadcasts a signed transaction. A "duplicate
// broadcast" response from the node (already mined or already known) is
// treated as success, since the payout it represents has already gone out:
// the txid is computed from txHex and returned.
func (r *RPCHelper) SendRawTransaction(ctx context.Context, txHex string) (string, error) {
	result, err := r.client.Call(ctx, "sendrawtransaction", []interface{}{txHex})
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "already in block chain") || strings.Contains(msg, "txn-already-known") {
			raw, decErr := hex.DecodeString(txHex)
			var msgTx wire.MsgTx
			if decErr == nil && msgTx.Deserialize(bytes.NewReader(raw)) == nil {
				return msgTx.TxHash().String(), nil
			}
			return "", chainerr.Retryablef(chainerr.CodeRPCTransport, "transaction already broadcast: %s", msg)
		}
		return "", classify(err, "sendrawtransaction")
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing sendrawtransaction result")
	}
	return hash, nil
}

// EstimateSmartFee returns a fee rate in satoshis/byte for confirmation
// within targetBlocks, floored at 1 sat/byte.
func (r *RPCHelper) EstimateSmartFee(ctx context.Context, targetBlocks int) (int64, error) {
	result, err := r.client.Call(ctx, "estimatesmartfee", []interface{}{targetBlocks})
	if err != nil {
		return 0, classify(err, "estimatesmartfee")
	}
	var fee struct {
		FeeRate float64  `json:"feerate"`
		Errors  []string `json:"errors,omitempty"`
	}
	if err := json.Unmarshal(result, &fee); err != nil {
		return 0, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing estimatesmartfee result")
	}
	if len(fee.Errors) > 0 {
		return 0, chainerr.Retryablef(chainerr.CodeRPCTransport, "estimatesmartfee errors: %v", fee.Errors)
	}
	satPerByte := int64(fee.FeeRate * 1e8 / 1000)
	if satPerByte < 1 {
		satPerByte = 1
	}
	return satPerByte, nil
}

// ListUnspent returns spendable outputs for address, used to fund a payout.
func (r *RPCHelper) ListUnspent(ctx context.Context, address string) ([]UnspentOutput, error) {
	result, err := r.client.Call(ctx, "listunspent", []interface{}{0, 9999999, []string{address}})
	if err != nil {
		return nil, classify(err, "listunspent")
	}
	var raw []struct {
		TxID          string  `json:"txid"`
		Vout          uint32  `json:"vout"`
		Address       string  `json:"address"`
		Amount        float64 `json:"amount"`
		Confirmations uint32  `json:"confirmations"`
		Spendable     bool    `json:"spendable"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeRPCParse, err, "parsing listunspent result")
	}

	utxos := make([]UnspentOutput, 0, len(raw))
	for _, u := range raw {
		if !u.Spendable {
			continue
		}
		utxos = append(utxos, UnspentOutput{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Address:       u.Address,
			AmountSats:    int64(u.Amount*1e8 + 0.5),
			Confirmations: u.Confirmations,
		})
	}
	return utxos, nil
}

// classify turns a transport-layer error into the engine's error taxonomy:
// an empty response resets the poller's retry counter, anything else is
// retryable up to the loop's retry limit.
func classify(err error, method string) error {
	if err == rpc.ErrEmptyResponse {
		return chainerr.New(chainerr.CodeEmptyResponse, chainerr.Retryable, fmt.Sprintf("%s: empty response", method), err)
	}
	return chainerr.New(chainerr.CodeRPCTransport, chainerr.Retryable, fmt.Sprintf("%s: rpc transport error", method), err)
}
