package wshub

import "testing"

func TestMagnetHashExtractsBTIH(t *testing.T) {
	uri := "magnet:?xt=urn:btih:ABCDEF0123456789ABCDEF0123456789ABCDEF01&dn=test"
	got := magnetHash(uri)
	want := "abcdef0123456789abcdef0123456789abcdef01"
	if got != want {
		t.Fatalf("magnetHash(%q) = %q, want %q", uri, got, want)
	}
}

func TestMagnetHashMissing(t *testing.T) {
	if got := magnetHash("magnet:?dn=test"); got != "" {
		t.Fatalf("expected empty hash, got %q", got)
	}
}

func TestEd2kHashExtractsFourthPipeField(t *testing.T) {
	link := "ed2k://|file|movie.mkv|123456|ABCDEF0123456789ABCDEF0123456789|/"
	got := ed2kHash(link)
	want := "abcdef0123456789abcdef0123456789"
	if got != want {
		t.Fatalf("ed2kHash(%q) = %q, want %q", link, got, want)
	}
}

func TestEd2kHashMalformed(t *testing.T) {
	if got := ed2kHash("ed2k://|file|movie.mkv|"); got != "" {
		t.Fatalf("expected empty hash for malformed link, got %q", got)
	}
}
