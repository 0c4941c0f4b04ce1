package bitfield

import (
	"bytes"
	"testing"
)

func TestRoundTripFromBools(t *testing.T) {
	tests := []struct {
		name string
		seq  []bool
	}{
		{"empty", nil},
		{"single_set", []bool{true}},
		{"single_clear", []bool{false}},
		{"mixed_3", []bool{true, false, true}},
		{"byte_boundary_8", []bool{true, true, false, false, true, false, true, true}},
		{"cross_boundary_11", []bool{false, true, false, true, false, true, false, true, true, true, false}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			bf := FromBools(tc.seq)
			if int(bf.Len()) != len(tc.seq) {
				t.Fatalf("len %d, want %d", bf.Len(), len(tc.seq))
			}
			for i, want := range tc.seq {
				if got := bf.Get(uint16(i)); got != want {
					t.Fatalf("bit %d = %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestBigEndianBitLayout(t *testing.T) {
	// Receive pattern {have 0, miss 1, have 2} must serialize as 0b10100000.
	bf := FromBools([]bool{true, false, true})
	if !bytes.Equal(bf.Bytes(), []byte{0b10100000}) {
		t.Fatalf("wire bytes %08b, want 10100000", bf.Bytes()[0])
	}

	bf = New(16)
	bf.Set(8, true)
	if !bytes.Equal(bf.Bytes(), []byte{0x00, 0x80}) {
		t.Fatalf("bit 8 must be MSB of second byte, got %x", bf.Bytes())
	}
}

func TestFromBytes(t *testing.T) {
	bf, ok := FromBytes([]byte{0b10100000}, 3)
	if !ok {
		t.Fatal("FromBytes rejected valid payload")
	}
	if !bf.Get(0) || bf.Get(1) || !bf.Get(2) {
		t.Fatalf("decoded bits wrong: %v %v %v", bf.Get(0), bf.Get(1), bf.Get(2))
	}

	if _, ok := FromBytes([]byte{0xFF}, 9); ok {
		t.Fatal("payload shorter than ceil(n/8) must be rejected")
	}
}

func TestSetClearAndCount(t *testing.T) {
	bf := New(12)
	for i := uint16(0); i < 12; i += 2 {
		bf.Set(i, true)
	}
	if bf.OnesCount() != 6 {
		t.Fatalf("ones count %d, want 6", bf.OnesCount())
	}
	bf.Set(4, false)
	if bf.OnesCount() != 5 || bf.Get(4) {
		t.Fatal("clearing bit 4 failed")
	}

	// Out-of-range access is inert.
	bf.Set(100, true)
	if bf.Get(100) || bf.OnesCount() != 5 {
		t.Fatal("out-of-range Set must be a no-op")
	}
}
