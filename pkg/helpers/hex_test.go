package helpers

import (
	"bytes"
	"testing"
)

func TestHexToBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{"0xdeadbeef", []byte{0xde, 0xad, 0xbe, 0xef}, false},
		{"deadbeef", []byte{0xde, 0xad, 0xbe, 0xef}, false},
		{"0x", []byte{}, false},
		{"0xzz", nil, true},
		{"abc", nil, true}, // odd length
	}
	for _, tt := range tests {
		got, err := HexToBytes(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("HexToBytes(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("HexToBytes(%q) failed: %v", tt.in, err)
			continue
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("HexToBytes(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestBytesToHex(t *testing.T) {
	if got := BytesToHex([]byte{0xde, 0xad}); got != "0xdead" {
		t.Errorf("BytesToHex = %s, want 0xdead", got)
	}
	if got := BytesToHex(nil); got != "0x" {
		t.Errorf("BytesToHex(nil) = %s, want 0x", got)
	}
}

func TestHexToBigInt(t *testing.T) {
	if got := HexToBigInt("0xff"); got.Int64() != 255 {
		t.Errorf("HexToBigInt(0xff) = %d, want 255", got.Int64())
	}
	if got := HexToBigInt(""); got.Sign() != 0 {
		t.Errorf("HexToBigInt(\"\") = %s, want 0", got)
	}
	if got := HexToBigInt("0xnope"); got.Sign() != 0 {
		t.Errorf("malformed input = %s, want 0", got)
	}
}

func TestPadding(t *testing.T) {
	if got := PadLeft([]byte{1, 2}, 4); !bytes.Equal(got, []byte{0, 0, 1, 2}) {
		t.Errorf("PadLeft = %v", got)
	}
	if got := PadRight([]byte{1, 2}, 4); !bytes.Equal(got, []byte{1, 2, 0, 0}) {
		t.Errorf("PadRight = %v", got)
	}
	// Already long enough: returned unchanged.
	in := []byte{1, 2, 3}
	if got := PadLeft(in, 2); !bytes.Equal(got, in) {
		t.Errorf("PadLeft over-length = %v", got)
	}
}

func TestBytes32(t *testing.T) {
	got := Bytes32([]byte{0xaa})
	if got[31] != 0xaa || got[0] != 0 {
		t.Errorf("Bytes32 short input = %x", got)
	}

	long := make([]byte, 40)
	long[39] = 0xbb
	got = Bytes32(long)
	if got[31] != 0xbb {
		t.Errorf("Bytes32 must keep the low-order bytes, got %x", got)
	}
}
