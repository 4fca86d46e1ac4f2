package category

import (
	"math/rand"
	"testing"
)

func TestColorRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		n := r.Intn(1 << 24)
		if got := HexColorToAmule(AmuleColorToHex(n)); got != n {
			t.Fatalf("HexColorToAmule(AmuleColorToHex(%d)) = %d, want %d", n, got, n)
		}
	}
}

func TestHexRoundTrip(t *testing.T) {
	cases := []string{"#FF00AA", "#000000", "#ffffff", "#123456"}
	for _, hex := range cases {
		n := HexColorToAmule(hex)
		got := AmuleColorToHex(n)
		if !equalFoldHex(got, hex) {
			t.Errorf("AmuleColorToHex(HexColorToAmule(%q)) = %q, want %q", hex, got, hex)
		}
	}
}

func equalFoldHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'a' && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if cb >= 'a' && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
