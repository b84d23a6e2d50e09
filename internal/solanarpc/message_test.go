package solanarpc

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func testKey(b byte) PublicKey {
	var k PublicKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestEncodeCompactU16(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xff, 0x01}},
		{16383, []byte{0xff, 0x7f}},
		{16384, []byte{0x80, 0x80, 0x01}},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		encodeCompactU16(&buf, tt.n)
		if !bytes.Equal(buf.Bytes(), tt.want) {
			t.Errorf("encodeCompactU16(%d) = %x, want %x", tt.n, buf.Bytes(), tt.want)
		}
	}
}

func TestBuildMessageHeaderAndOrdering(t *testing.T) {
	payer := testKey(1)
	roSigner := testKey(2)
	writable := testKey(3)
	readonly := testKey(4)
	program := testKey(9)
	blockhash := testKey(0xbb)

	msg, err := BuildMessage(payer, blockhash, []Instruction{{
		ProgramID: program,
		Accounts: []AccountMeta{
			{PubKey: readonly},
			{PubKey: writable, Writable: true},
			{PubKey: roSigner, Signer: true},
		},
		Data: []byte{0x01, 0x02},
	}})
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}

	// Header: 2 signers (payer + roSigner), 1 readonly signed, 2 readonly
	// unsigned (readonly account + program).
	if msg[0] != 2 || msg[1] != 1 || msg[2] != 2 {
		t.Errorf("header = [%d %d %d], want [2 1 2]", msg[0], msg[1], msg[2])
	}

	if msg[3] != 5 {
		t.Fatalf("account count = %d, want 5", msg[3])
	}

	keyAt := func(i int) PublicKey {
		var k PublicKey
		copy(k[:], msg[4+32*i:4+32*(i+1)])
		return k
	}
	wantOrder := []PublicKey{payer, roSigner, writable, readonly, program}
	for i, want := range wantOrder {
		if keyAt(i) != want {
			t.Errorf("account[%d] = %x..., want %x...", i, keyAt(i)[0], want[0])
		}
	}

	// Blockhash follows the account table.
	off := 4 + 32*5
	if !bytes.Equal(msg[off:off+32], blockhash[:]) {
		t.Error("blockhash misplaced")
	}
}

func TestBuildMessageMergesPrivileges(t *testing.T) {
	payer := testKey(1)
	shared := testKey(5)
	program := testKey(9)

	// Same account readonly in one instruction and writable in another
	// must end up writable.
	msg, err := BuildMessage(payer, testKey(0xbb), []Instruction{
		{ProgramID: program, Accounts: []AccountMeta{{PubKey: shared}}},
		{ProgramID: program, Accounts: []AccountMeta{{PubKey: shared, Writable: true}}},
	})
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}

	// Accounts: payer, shared (writable non-signer), program (readonly).
	if msg[2] != 1 {
		t.Errorf("readonly unsigned = %d, want 1 (program only)", msg[2])
	}
}

func TestSignTransaction(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	payer := PublicKeyFromPrivate(priv)
	if !bytes.Equal(payer[:], pub) {
		t.Fatal("payer key mismatch")
	}

	msg, err := BuildMessage(payer, testKey(0xbb), []Instruction{{
		ProgramID: testKey(9),
		Data:      []byte{0x01},
	}})
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}

	signed, err := SignTransaction(msg, []ed25519.PrivateKey{priv})
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	// Layout: shortvec(1) | sig(64) | message.
	if signed[0] != 1 {
		t.Fatalf("signature count = %d, want 1", signed[0])
	}
	if !ed25519.Verify(pub, msg, signed[1:65]) {
		t.Error("signature does not verify over the message")
	}

	sig, err := TransactionSignature(signed)
	if err != nil {
		t.Fatalf("failed to extract signature: %v", err)
	}
	if sig == "" {
		t.Error("empty transaction signature")
	}

	// Wrong signer count fails.
	if _, err := SignTransaction(msg, nil); err == nil {
		t.Error("expected error for missing signers")
	}
}
