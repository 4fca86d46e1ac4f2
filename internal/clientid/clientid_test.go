package clientid

import (
	"testing"

	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

func TestGenerate(t *testing.T) {
	cases := []struct {
		typ  model.ClientType
		host string
		port int
		want string
	}{
		{model.ClientQBittorrent, "192.168.1.10", 8080, "qbittorrent-192.168.1.10-8080"},
		{model.ClientQBittorrent, "::1", 8080, "qbittorrent-__1-8080"},
	}
	for _, c := range cases {
		got := Generate(c.typ, c.host, c.port)
		if got != c.want {
			t.Errorf("Generate(%q,%q,%d) = %q, want %q", c.typ, c.host, c.port, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(""); err == nil {
		t.Error("expected error for empty id")
	}
	if err := Validate("amule-192.168.1.1-4712"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Validate("amule:bad"); err == nil {
		t.Error("expected error for colon in id")
	}
}
