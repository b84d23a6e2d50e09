package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Phathdt/pmm-sub000/internal/backend"
	"github.com/Phathdt/pmm-sub000/internal/notify"
	"github.com/Phathdt/pmm-sub000/internal/wallet"
	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

const (
	// dustLimit is the minimum change output worth keeping.
	dustLimit = 546

	// fallbackFeeRate applies when no provider returns estimates.
	fallbackFeeRate = 5.0

	// feeRateHeadroom pads the cheapest estimate so the transaction does not
	// linger at the bottom of the mempool.
	feeRateHeadroom = 1.125
)

// BTCEngine builds, signs, and broadcasts taproot key-path transactions from
// the operator wallet.
type BTCEngine struct {
	chain            *backend.Resilient
	key              *btcec.PrivateKey
	params           *chaincfg.Params
	address          string
	script           []byte
	maxFeeRate       float64
	allowUnconfirmed bool
	notifier         notify.Notifier
	log              *logging.Logger
}

// BTCConfig tunes the engine.
type BTCConfig struct {
	MaxFeeRate       float64
	AllowUnconfirmed bool
}

// NewBTCEngine wires the Bitcoin settlement engine over the resilient
// provider set.
func NewBTCEngine(chainAccess *backend.Resilient, keys *wallet.Keys, cfg BTCConfig, notifier notify.Notifier) (*BTCEngine, error) {
	if !keys.HasBTC() {
		return nil, fmt.Errorf("no bitcoin key loaded")
	}
	addr, err := wallet.TaprootAddress(keys.BTC.PubKey(), keys.BTCParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive taproot address: %w", err)
	}
	script, err := wallet.AddressScript(addr, keys.BTCParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wallet script: %w", err)
	}
	maxRate := cfg.MaxFeeRate
	if maxRate <= 0 {
		maxRate = 100
	}
	return &BTCEngine{
		chain:            chainAccess,
		key:              keys.BTC,
		params:           keys.BTCParams,
		address:          addr,
		script:           script,
		maxFeeRate:       maxRate,
		allowUnconfirmed: cfg.AllowUnconfirmed,
		notifier:         notifier,
		log:              logging.GetDefault().Component("btc-transfer"),
	}, nil
}

// Address returns the wallet's receiving address.
func (e *BTCEngine) Address() string { return e.address }

// Transfer settles a trade by paying the recipient and embedding the trade
// id in an OP_RETURN output.
func (e *BTCEngine) Transfer(ctx context.Context, p *Params) (*Result, error) {
	tradeID, err := tradeIDBytes(p.TradeID)
	if err != nil {
		return nil, err
	}
	if p.Amount == nil || !p.Amount.IsUint64() {
		return nil, fmt.Errorf("invalid bitcoin amount")
	}

	txid, err := e.Send(ctx, p.ToUser, p.Amount.Uint64(), tradeID[:])
	if err != nil {
		return nil, err
	}
	return &Result{Kind: Submitted, TxID: txid}, nil
}

// Send builds and broadcasts a payment to the given address, optionally
// embedding opReturn data.
func (e *BTCEngine) Send(ctx context.Context, toAddress string, amountSats uint64, opReturn []byte) (string, error) {
	if !wallet.ValidateBTCAddress(toAddress, e.params) {
		return "", fmt.Errorf("invalid bitcoin address %q", toAddress)
	}
	recipientScript, err := wallet.AddressScript(toAddress, e.params)
	if err != nil {
		return "", err
	}

	utxos, err := e.spendableUTXOs(ctx)
	if err != nil {
		return "", err
	}

	rate, err := e.feeRate(ctx)
	if err != nil {
		return "", err
	}

	selected, fee, change, err := e.selectUTXOs(utxos, amountSats, rate, recipientScript, opReturn)
	if err != nil {
		total := uint64(0)
		for _, u := range utxos {
			total += u.Value
		}
		e.notifier.Notify(ctx, notify.SeverityAlert, "Insufficient BTC balance",
			fmt.Sprintf("have=%d sats need=%d sats (+fee)", total, amountSats))
		return "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range selected {
		prevHash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", fmt.Errorf("invalid utxo txid %q: %w", u.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, u.Vout), nil, nil))
	}

	tx.AddTxOut(wire.NewTxOut(int64(amountSats), recipientScript))
	if len(opReturn) > 0 {
		nullScript, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_RETURN).AddData(opReturn).Script()
		if err != nil {
			return "", fmt.Errorf("failed to build op_return: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(0, nullScript))
	}
	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), e.script))
	}

	if err := e.signInputs(tx, selected); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}

	txid, err := e.chain.BroadcastTransaction(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return "", fmt.Errorf("broadcast failed: %w", err)
	}

	e.log.Info("Bitcoin transaction broadcast",
		"txid", txid, "amount", amountSats, "fee", fee,
		"inputs", len(selected), "rate", rate)
	return txid, nil
}

// MaxSendable returns the largest amount a single payment can carry after
// fees, alongside the total spendable balance. The fee reserve for draining
// every UTXO is taken at the configured maximum rate, so a send quoted
// against this amount still selects inputs when rates move up.
func (e *BTCEngine) MaxSendable(ctx context.Context) (sendable, total uint64, err error) {
	utxos, err := e.spendableUTXOs(ctx)
	if err != nil {
		return 0, 0, err
	}
	return maxSendable(utxos, e.maxFeeRate, e.script), sumUTXOs(utxos), nil
}

// maxSendable reserves the fee for a drain transaction with recipient and
// change outputs at the given rate.
func maxSendable(utxos []backend.UTXO, rate float64, script []byte) uint64 {
	if len(utxos) == 0 {
		return 0
	}
	total := sumUTXOs(utxos)
	reserve := txFee(len(utxos), [][]byte{script, script}, rate)
	if total <= reserve {
		return 0
	}
	return total - reserve
}

func sumUTXOs(utxos []backend.UTXO) uint64 {
	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	return total
}

func (e *BTCEngine) spendableUTXOs(ctx context.Context) ([]backend.UTXO, error) {
	utxos, err := e.chain.GetAddressUTXOs(ctx, e.address)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch utxos: %w", err)
	}
	var spendable []backend.UTXO
	for _, u := range utxos {
		if u.Confirmed || e.allowUnconfirmed {
			spendable = append(spendable, u)
		}
	}
	return spendable, nil
}

// feeRate returns the effective sat/vB rate: the cheapest provider estimate
// with headroom, capped at the configured maximum.
func (e *BTCEngine) feeRate(ctx context.Context) (float64, error) {
	estimates, err := e.chain.GetFeeEstimates(ctx)
	recommended := fallbackFeeRate
	if err != nil {
		e.log.Warn("Fee estimates unavailable, using fallback", "rate", fallbackFeeRate, "error", err)
	} else if cheapest := estimates.Cheapest(); cheapest > 0 {
		recommended = cheapest * feeRateHeadroom
	}
	return math.Min(recommended, e.maxFeeRate), nil
}

// selectUTXOs greedily picks inputs largest-first until they cover the
// amount plus fee. The change output is dropped when at or below dust, its
// value folded into the fee.
func (e *BTCEngine) selectUTXOs(utxos []backend.UTXO, amount uint64, rate float64, recipientScript, opReturn []byte) (selected []backend.UTXO, fee, change uint64, err error) {
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].Value > utxos[j].Value })

	outputs := [][]byte{recipientScript}
	if len(opReturn) > 0 {
		// OP_RETURN + push
		outputs = append(outputs, make([]byte, len(opReturn)+2))
	}

	var total uint64
	for _, u := range utxos {
		selected = append(selected, u)
		total += u.Value

		withChange := append(outputs, e.script)
		fee = txFee(len(selected), withChange, rate)
		if total < amount+fee {
			continue
		}

		change = total - amount - fee
		if change <= dustLimit {
			// Without change the transaction is smaller; the remainder
			// goes to fee.
			fee = total - amount
			change = 0
		}
		return selected, fee, change, nil
	}

	return nil, 0, 0, fmt.Errorf("%w: %d sats available, %d needed plus fee", ErrInsufficientFunds, total, amount)
}

// txFee estimates the fee for a key-path taproot spend. Each input weighs
// 57.5 vB, overhead 10.5 vB, outputs their serialized size.
func txFee(numInputs int, outputScripts [][]byte, rate float64) uint64 {
	vbytes := 10.5 + 57.5*float64(numInputs)
	for _, script := range outputScripts {
		vbytes += float64(9 + len(script))
	}
	return uint64(math.Ceil(vbytes * rate))
}

func (e *BTCEngine) signInputs(tx *wire.MsgTx, selected []backend.UTXO) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, u := range selected {
		prevHash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return err
		}
		fetcher.AddPrevOut(*wire.NewOutPoint(prevHash, u.Vout), wire.NewTxOut(int64(u.Value), e.script))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, u := range selected {
		sig, err := txscript.RawTxInTaprootSignature(
			tx, sigHashes, i, int64(u.Value), e.script,
			nil, txscript.SigHashDefault, e.key,
		)
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = wire.TxWitness{sig}
	}
	return nil
}
