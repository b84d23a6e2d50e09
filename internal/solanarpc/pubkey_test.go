package solanarpc

import (
	"crypto/ed25519"
	"testing"
)

func TestPublicKeyBase58RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pk, err := PublicKeyFromBytes(pub)
	if err != nil {
		t.Fatalf("failed to parse key: %v", err)
	}

	decoded, err := PublicKeyFromBase58(pk.String())
	if err != nil {
		t.Fatalf("failed to decode base58: %v", err)
	}
	if decoded != pk {
		t.Error("base58 round trip lost the key")
	}

	if _, err := PublicKeyFromBase58("not-a-key"); err == nil {
		t.Error("expected error for malformed base58")
	}
	if _, err := PublicKeyFromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short key")
	}
}

func TestFindProgramAddressOffCurve(t *testing.T) {
	program := MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	seeds := [][]byte{[]byte("payment_receipt"), {0x01, 0x02}}

	addr, bump, err := FindProgramAddress(seeds, program)
	if err != nil {
		t.Fatalf("failed to find program address: %v", err)
	}
	if addr.IsOnCurve() {
		t.Error("PDA must be off the ed25519 curve")
	}

	// Deterministic for the same inputs.
	addr2, bump2, err := FindProgramAddress(seeds, program)
	if err != nil {
		t.Fatalf("failed to find program address: %v", err)
	}
	if addr != addr2 || bump != bump2 {
		t.Error("PDA derivation must be deterministic")
	}

	// Different seeds, different address.
	addr3, _, err := FindProgramAddress([][]byte{[]byte("other")}, program)
	if err != nil {
		t.Fatalf("failed to find program address: %v", err)
	}
	if addr == addr3 {
		t.Error("different seeds produced the same PDA")
	}
}

func TestFindAssociatedTokenAddress(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	owner, _ := PublicKeyFromBytes(pub)
	mint := MustPublicKey("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

	ata, err := FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		t.Fatalf("failed to derive ata: %v", err)
	}
	if ata == owner || ata == mint {
		t.Error("ata must differ from owner and mint")
	}
	if ata.IsOnCurve() {
		t.Error("ata must be a PDA")
	}
}
