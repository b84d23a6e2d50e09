package transfer

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Phathdt/pmm-sub000/internal/notify"
	"github.com/Phathdt/pmm-sub000/internal/solanarpc"
	"github.com/Phathdt/pmm-sub000/internal/solver"
	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

const (
	// solConfirmAttempts bounds the post-broadcast confirmation poll.
	solConfirmAttempts = 30
	solConfirmInterval = 2 * time.Second
)

// SolanaStrategy settles trades through the on-chain payment program.
type SolanaStrategy struct {
	rpc      *solanarpc.Client
	solver   solver.Client
	notifier notify.Notifier
	key      ed25519.PrivateKey
	payer    solanarpc.PublicKey
	log      *logging.Logger

	mu      sync.Mutex
	program *programConfig
}

type programConfig struct {
	programID solanarpc.PublicKey
	feeVault  solanarpc.PublicKey
}

// NewSolanaStrategy wires the Solana settlement engine.
func NewSolanaStrategy(rpc *solanarpc.Client, sol solver.Client, notifier notify.Notifier, key ed25519.PrivateKey) *SolanaStrategy {
	return &SolanaStrategy{
		rpc:      rpc,
		solver:   sol,
		notifier: notifier,
		key:      key,
		payer:    solanarpc.PublicKeyFromPrivate(key),
		log:      logging.GetDefault().Component("sol-transfer"),
	}
}

func (s *SolanaStrategy) config(ctx context.Context, networkID string) (*programConfig, error) {
	s.mu.Lock()
	if s.program != nil {
		cfg := s.program
		s.mu.Unlock()
		return cfg, nil
	}
	s.mu.Unlock()

	raw, err := s.solver.GetAssetChainConfig(ctx, networkID, "payment")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve payment program: %w", err)
	}
	programID, err := solanarpc.PublicKeyFromBase58(raw.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid payment program id: %w", err)
	}
	feeVault, err := solanarpc.PublicKeyFromBase58(raw.FeeVault)
	if err != nil {
		return nil, fmt.Errorf("invalid fee vault: %w", err)
	}
	cfg := &programConfig{programID: programID, feeVault: feeVault}

	s.mu.Lock()
	s.program = cfg
	s.mu.Unlock()
	return cfg, nil
}

func (s *SolanaStrategy) Transfer(ctx context.Context, p *Params) (*Result, error) {
	cfg, err := s.config(ctx, p.Network.ID)
	if err != nil {
		return nil, err
	}

	tradeID, err := tradeIDBytes(p.TradeID)
	if err != nil {
		return nil, err
	}
	if p.Amount == nil || !p.Amount.IsUint64() {
		return nil, fmt.Errorf("invalid solana amount")
	}
	amount := p.Amount.Uint64()
	fee := uint64(0)
	if p.ProtocolFee != nil {
		if !p.ProtocolFee.IsUint64() {
			return nil, fmt.Errorf("invalid protocol fee")
		}
		fee = p.ProtocolFee.Uint64()
	}

	recipient, err := solanarpc.PublicKeyFromBase58(p.ToUser)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	mint, err := solanarpc.PublicKeyFromBase58(p.Token.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid token mint: %w", err)
	}

	senderATA, err := solanarpc.FindAssociatedTokenAddress(s.payer, mint)
	if err != nil {
		return nil, err
	}
	recipientATA, err := solanarpc.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, err
	}
	feeVaultATA, err := solanarpc.FindAssociatedTokenAddress(cfg.feeVault, mint)
	if err != nil {
		return nil, err
	}

	if err := s.checkBalance(ctx, senderATA, amount+fee); err != nil {
		return nil, err
	}

	receipt, err := paymentReceiptPDA(cfg.programID, tradeID, p.FromUser, p.ToUser, p.Amount, p.ProtocolFee, mint)
	if err != nil {
		return nil, err
	}

	var instrs []solanarpc.Instruction
	missing, err := s.missingATA(ctx, recipientATA)
	if err != nil {
		return nil, err
	}
	if missing {
		instrs = append(instrs, createATAInstruction(s.payer, recipient, mint, recipientATA))
	}
	missing, err = s.missingATA(ctx, feeVaultATA)
	if err != nil {
		return nil, err
	}
	if missing {
		instrs = append(instrs, createATAInstruction(s.payer, cfg.feeVault, mint, feeVaultATA))
	}

	instrs = append(instrs, paymentInstruction(cfg.programID, paymentAccounts{
		payer:        s.payer,
		senderATA:    senderATA,
		recipientATA: recipientATA,
		feeVaultATA:  feeVaultATA,
		receipt:      receipt,
	}, tradeID, amount, fee))

	sig, err := s.sendWithConfirm(ctx, instrs)
	if err != nil {
		return nil, err
	}

	s.log.Info("Solana payment settled", "trade_id", p.TradeID, "signature", sig)
	return &Result{Kind: Submitted, TxID: sig}, nil
}

func (s *SolanaStrategy) checkBalance(ctx context.Context, senderATA solanarpc.PublicKey, needed uint64) error {
	bal, err := s.rpc.GetTokenAccountBalance(ctx, senderATA)
	if err != nil {
		return fmt.Errorf("failed to check token balance: %w", err)
	}
	if bal < needed {
		s.notifier.Notify(ctx, notify.SeverityAlert, "Insufficient Solana token balance",
			fmt.Sprintf("account=%s have=%d need=%d", senderATA, bal, needed))
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, bal, needed)
	}
	return nil
}

func (s *SolanaStrategy) missingATA(ctx context.Context, ata solanarpc.PublicKey) (bool, error) {
	info, err := s.rpc.GetAccountInfo(ctx, ata)
	if err != nil {
		return false, fmt.Errorf("failed to check token account: %w", err)
	}
	return info == nil, nil
}

// sendWithConfirm broadcasts and polls until the cluster confirms the
// transaction or the attempt budget runs out.
func (s *SolanaStrategy) sendWithConfirm(ctx context.Context, instrs []solanarpc.Instruction) (string, error) {
	blockhash, err := s.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	msg, err := solanarpc.BuildMessage(s.payer, blockhash, instrs)
	if err != nil {
		return "", fmt.Errorf("failed to build message: %w", err)
	}
	signed, err := solanarpc.SignTransaction(msg, []ed25519.PrivateKey{s.key})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := s.rpc.SendTransaction(ctx, signed)
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	for attempt := 0; attempt < solConfirmAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(solConfirmInterval):
		}

		status, err := s.rpc.GetSignatureStatus(ctx, sig)
		if err != nil {
			s.log.Warn("Confirmation check failed", "signature", sig, "error", err)
			continue
		}
		if status == nil {
			continue
		}
		if status.Err != nil {
			return "", fmt.Errorf("transaction %s failed on chain: %s", sig, status.Err)
		}
		if status.Confirmed {
			return sig, nil
		}
	}
	return "", fmt.Errorf("transaction %s not confirmed in time", sig)
}

// paymentReceiptPDA derives the receipt account that makes settlement
// idempotent on chain: a second payment for the same tuple fails to create
// the account again.
func paymentReceiptPDA(program solanarpc.PublicKey, tradeID [32]byte, fromUser, toUser string, amount, protocolFee *big.Int, mint solanarpc.PublicKey) (solanarpc.PublicKey, error) {
	fee := protocolFee
	if fee == nil {
		fee = big.NewInt(0)
	}

	var amountLE, feeLE [8]byte
	binary.LittleEndian.PutUint64(amountLE[:], amount.Uint64())
	binary.LittleEndian.PutUint64(feeLE[:], fee.Uint64())

	fromHash := sha256.Sum256([]byte(fromUser))
	toHash := sha256.Sum256([]byte(toUser))

	seeds := [][]byte{
		[]byte("payment_receipt"),
		tradeID[:],
		fromHash[:],
		toHash[:],
		amountLE[:],
		feeLE[:],
		mint[:],
	}
	pda, _, err := solanarpc.FindProgramAddress(seeds, program)
	if err != nil {
		return solanarpc.PublicKey{}, fmt.Errorf("failed to derive receipt pda: %w", err)
	}
	return pda, nil
}

type paymentAccounts struct {
	payer        solanarpc.PublicKey
	senderATA    solanarpc.PublicKey
	recipientATA solanarpc.PublicKey
	feeVaultATA  solanarpc.PublicKey
	receipt      solanarpc.PublicKey
}

// paymentInstruction encodes the anchor-style payment call: an 8-byte method
// discriminator followed by the trade id, amount, and protocol fee.
func paymentInstruction(program solanarpc.PublicKey, accs paymentAccounts, tradeID [32]byte, amount, fee uint64) solanarpc.Instruction {
	disc := sha256.Sum256([]byte("global:payment"))

	data := make([]byte, 0, 8+32+8+8)
	data = append(data, disc[:8]...)
	data = append(data, tradeID[:]...)
	data = binary.LittleEndian.AppendUint64(data, amount)
	data = binary.LittleEndian.AppendUint64(data, fee)

	return solanarpc.Instruction{
		ProgramID: program,
		Accounts: []solanarpc.AccountMeta{
			{PubKey: accs.payer, Signer: true, Writable: true},
			{PubKey: accs.senderATA, Writable: true},
			{PubKey: accs.recipientATA, Writable: true},
			{PubKey: accs.feeVaultATA, Writable: true},
			{PubKey: accs.receipt, Writable: true},
			{PubKey: solanarpc.TokenProgram},
			{PubKey: solanarpc.SystemProgram},
		},
		Data: data,
	}
}

// createATAInstruction builds the associated-token-program create call.
func createATAInstruction(payer, owner, mint, ata solanarpc.PublicKey) solanarpc.Instruction {
	return solanarpc.Instruction{
		ProgramID: solanarpc.AssociatedTokenProgram,
		Accounts: []solanarpc.AccountMeta{
			{PubKey: payer, Signer: true, Writable: true},
			{PubKey: ata, Writable: true},
			{PubKey: owner},
			{PubKey: mint},
			{PubKey: solanarpc.SystemProgram},
			{PubKey: solanarpc.TokenProgram},
		},
		Data: nil,
	}
}
