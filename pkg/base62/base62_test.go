package base62

import (
	"math"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		input    uint64
		expected string
	}{
		{"zero", 0, "0"},
		{"one", 1, "1"},
		{"nine", 9, "9"},
		{"ten", 10, "A"},
		{"base minus one", 61, "z"},
		{"base", 62, "10"},
		{"large number", 123456789, "8M0kX"},
		{"max uint64", math.MaxUint64, "LygHa16AHYF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := Encode(tt.input); result != tt.expected {
				t.Errorf("Encode(%d) = %s, want %s", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  uint64
		expectErr bool
	}{
		{"zero", "0", 0, false},
		{"ten", "A", 10, false},
		{"base", "10", 62, false},
		{"large number", "8M0kX", 123456789, false},
		{"empty string", "", 0, false},
		{"invalid character", "8M0kX!", 0, true},
		{"invalid space", "8M 0kX", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Decode(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Errorf("Decode(%s) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%s) unexpected error: %v", tt.input, err)
			}
			if result != tt.expected {
				t.Errorf("Decode(%s) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}

// TestRoundTrip 驗證編碼解碼互逆
func TestRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 61, 62, 3843, 123456789, math.MaxUint64}

	for _, v := range values {
		encoded := Encode(v)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%s) unexpected error: %v", encoded, err)
		}
		if decoded != v {
			t.Errorf("round trip failed: %d → %s → %d", v, encoded, decoded)
		}
	}
}

// TestEncodeLength 編碼結果必須滿足短碼長度限制
func TestEncodeLength(t *testing.T) {
	if got := len(Encode(math.MaxUint64)); got > 12 {
		t.Errorf("Encode(MaxUint64) length = %d, exceeds short code limit 12", got)
	}
}

func BenchmarkEncode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Encode(uint64(i) * 2654435761)
	}
}
