package codec_test

import (
	"strings"
	"testing"

	"github.com/arka-mehta/tierbox/codec"
)

type widget struct {
	Name  string
	Count int
}

func TestJSONRoundTrip(t *testing.T) {
	c := codec.JSON[widget]()
	data, err := c.Encode(widget{Name: "bolt", Count: 7})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "bolt" || got.Count != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	c := codec.Binary[widget]()
	data, err := c.Encode(widget{Name: "nut", Count: 3})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "nut" || got.Count != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestCompressedZSTDRoundTrip(t *testing.T) {
	inner := codec.JSON[string]()
	c := codec.Compressed[string](inner, codec.ZSTD)

	large := strings.Repeat("compress-me ", 500)
	data, err := c.Encode(large)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) >= len(large) {
		t.Fatalf("expected compression to shrink payload: got %d bytes for %d input", len(data), len(large))
	}

	got, err := c.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got != large {
		t.Fatal("decoded value does not match original")
	}
}

func TestCompressedZlibRoundTrip(t *testing.T) {
	c := codec.Compressed[widget](codec.JSON[widget](), codec.Zlib)

	data, err := c.Encode(widget{Name: "washer", Count: 42})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "washer" || got.Count != 42 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestCompressedRejectsUnknownMarker(t *testing.T) {
	c := codec.Compressed[string](codec.JSON[string](), codec.ZSTD)
	if _, err := c.Decode([]byte{0xFF, 1, 2, 3}); err == nil {
		t.Fatal("expected error for unknown marker byte")
	}
}

func TestChained(t *testing.T) {
	mid := codec.JSON[string]()
	c := codec.Chained[widget, string](mid,
		func(w widget) (string, error) { return w.Name, nil },
		func(s string) (widget, error) { return widget{Name: s}, nil },
	)

	data, err := c.Encode(widget{Name: "rivet"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "rivet" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
