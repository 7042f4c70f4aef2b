package core

import "testing"

func TestDestHashString(t *testing.T) {
	d := DestHash{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	want := "0102030405060708090a0b0c0d0e0f10"
	if got := d.String(); got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
}

func TestDestHashIsZero(t *testing.T) {
	var zero DestHash
	if !zero.IsZero() {
		t.Error("IsZero() = false for zero hash, want true")
	}
	nonZero := DestHash{0x01}
	if nonZero.IsZero() {
		t.Error("IsZero() = true for non-zero hash, want false")
	}
}

func TestParseDestHashRoundTrip(t *testing.T) {
	original := DestHash{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE,
		0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0}
	parsed, err := ParseDestHash(original.String())
	if err != nil {
		t.Fatalf("ParseDestHash() error = %v", err)
	}
	if parsed != original {
		t.Errorf("round trip failed: got %v, want %v", parsed, original)
	}
}

func TestParseDestHashErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid hex", "xyz123"},
		{"too short", "0102030405"},
		{"too long", "0102030405060708090a0b0c0d0e0f1011"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDestHash(tt.input); err == nil {
				t.Error("ParseDestHash() expected error, got nil")
			}
		})
	}
}

func TestPacketHashTruncated(t *testing.T) {
	var p PacketHash
	for i := range p {
		p[i] = byte(i)
	}
	trunc := p.Truncated()
	for i := 0; i < DestHashSize; i++ {
		if trunc[i] != byte(i) {
			t.Errorf("Truncated()[%d] = %d, want %d", i, trunc[i], i)
		}
	}
}
