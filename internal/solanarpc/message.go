package solanarpc

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// AccountMeta describes how one account participates in an instruction.
type AccountMeta struct {
	PubKey   PublicKey
	Signer   bool
	Writable bool
}

// Instruction is one program invocation within a transaction.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// encodeCompactU16 writes Solana's shortvec length prefix.
func encodeCompactU16(buf *bytes.Buffer, n int) {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

// keySlot tracks an account's merged privileges across instructions.
type keySlot struct {
	key      PublicKey
	signer   bool
	writable bool
}

// BuildMessage compiles instructions into a legacy wire message. The fee
// payer is always the first account and always a writable signer.
func BuildMessage(payer PublicKey, recentBlockhash PublicKey, instrs []Instruction) ([]byte, error) {
	slots := []keySlot{{key: payer, signer: true, writable: true}}
	index := map[PublicKey]int{payer: 0}

	merge := func(key PublicKey, signer, writable bool) {
		if i, ok := index[key]; ok {
			slots[i].signer = slots[i].signer || signer
			slots[i].writable = slots[i].writable || writable
			return
		}
		index[key] = len(slots)
		slots = append(slots, keySlot{key: key, signer: signer, writable: writable})
	}

	for _, in := range instrs {
		for _, acc := range in.Accounts {
			merge(acc.PubKey, acc.Signer, acc.Writable)
		}
		merge(in.ProgramID, false, false)
	}

	// Wire order: writable signers, readonly signers, writable non-signers,
	// readonly non-signers.
	var ordered []keySlot
	for _, pass := range []func(keySlot) bool{
		func(s keySlot) bool { return s.signer && s.writable },
		func(s keySlot) bool { return s.signer && !s.writable },
		func(s keySlot) bool { return !s.signer && s.writable },
		func(s keySlot) bool { return !s.signer && !s.writable },
	} {
		for _, s := range slots {
			if pass(s) {
				ordered = append(ordered, s)
			}
		}
	}

	pos := make(map[PublicKey]int, len(ordered))
	var numSigners, numROSigned, numROUnsigned int
	for i, s := range ordered {
		pos[s.key] = i
		if s.signer {
			numSigners++
			if !s.writable {
				numROSigned++
			}
		} else if !s.writable {
			numROUnsigned++
		}
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(numSigners))
	buf.WriteByte(byte(numROSigned))
	buf.WriteByte(byte(numROUnsigned))

	encodeCompactU16(&buf, len(ordered))
	for _, s := range ordered {
		buf.Write(s.key[:])
	}
	buf.Write(recentBlockhash[:])

	encodeCompactU16(&buf, len(instrs))
	for _, in := range instrs {
		progIdx, ok := pos[in.ProgramID]
		if !ok {
			return nil, fmt.Errorf("program %s missing from account table", in.ProgramID)
		}
		buf.WriteByte(byte(progIdx))
		encodeCompactU16(&buf, len(in.Accounts))
		for _, acc := range in.Accounts {
			buf.WriteByte(byte(pos[acc.PubKey]))
		}
		encodeCompactU16(&buf, len(in.Data))
		buf.Write(in.Data)
	}

	return buf.Bytes(), nil
}

// SignTransaction prepends signatures to a compiled message. Signer order
// must match the message's account table.
func SignTransaction(message []byte, signers []ed25519.PrivateKey) ([]byte, error) {
	if len(message) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	required := int(message[0])
	if len(signers) != required {
		return nil, fmt.Errorf("message requires %d signatures, got %d signers", required, len(signers))
	}

	var buf bytes.Buffer
	encodeCompactU16(&buf, len(signers))
	for _, key := range signers {
		buf.Write(ed25519.Sign(key, message))
	}
	buf.Write(message)
	return buf.Bytes(), nil
}

// TransactionSignature returns the base58 first signature of a signed
// transaction, which doubles as its id.
func TransactionSignature(signedTx []byte) (string, error) {
	// Skip the shortvec count (single byte for any realistic signer count).
	if len(signedTx) < 1+64 {
		return "", fmt.Errorf("transaction too short")
	}
	return base58.Encode(signedTx[1 : 1+64]), nil
}
