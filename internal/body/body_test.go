package body

import (
	"errors"
	"testing"
)

// archived builds a blob shaped like an attributedBody typedstream around text.
func archived(text string) []byte {
	head := "\x04\x0bstreamtyped\x81\xe8\x03\x84\x01@\x84\x84\x84\x12NSAttributedString\x00" +
		"\x84\x84\x08NSObject\x00\x85\x92\x84\x84\x84\x08NSString\x01\x94\x84\x01+\x05"
	tail := "\x86\x84\x02iI\x01\x05\x92\x84\x84\x84\x0cNSDictionary\x00\x94\x84\x01i\x01\x92\x84\x96\x96" +
		"\x1d__kIMMessagePartAttributeName\x86\x92\x84\x84\x84\x08NSNumber\x00\x84\x84\x07NSValue\x00\x94\x84\x01*\x84\x99\x99\x00\x86\x86\x86"
	return []byte(head + text + tail)
}

func TestDecodeArchivedText(t *testing.T) {
	cases := []string{
		"hello",
		"Are we still on for dinner tonight?",
		"héllo wörld 👋",
		"line one\nline two",
	}
	for _, want := range cases {
		if got := Decode(archived(want)); got != want {
			t.Fatalf("Decode(%q) = %q", want, got)
		}
	}
}

func TestDecodeMissingMarkers(t *testing.T) {
	blobs := map[string][]byte{
		"empty":         nil,
		"no markers":    []byte("just some bytes\x00\x01\x02"),
		"no number":     []byte("NSString\x01\x94\x84\x01+\x05hello\x86\x84\x02iI\x01\x05\x92\x84\x84\x84\x0cNSDictionary"),
		"no string":     []byte("hello world NSDictionary NSNumber"),
		"no dictionary": []byte("NSString\x01\x94\x84\x01+\x05hello NSNumber"),
		"short span":    []byte("NSString\x01\x01NSDictionaryNSNumber"),
	}
	for name, raw := range blobs {
		if got := Decode(raw); got != "" {
			t.Fatalf("%s: expected empty text, got %q", name, got)
		}
		if _, err := Extract(raw); !errors.Is(err, ErrNoMarkers) {
			t.Fatalf("%s: expected ErrNoMarkers, got %v", name, err)
		}
	}
}

func TestDecodeMarkersOutOfOrder(t *testing.T) {
	// The number marker precedes the string payload, so the payload region is empty.
	raw := []byte("NSNumber\x00NSString\x01\x94\x84\x01+\x05hello\x86\x84\x02iI\x01\x05\x92\x84\x84\x84\x0cNSDictionary")
	if got := Decode(raw); got != "" {
		t.Fatalf("expected empty text, got %q", got)
	}
}

func TestLossyStringKeepsOneCharPerInvalidByte(t *testing.T) {
	got := []rune(lossyString([]byte("a\x94\x84b")))
	if len(got) != 4 {
		t.Fatalf("expected 4 characters, got %d (%q)", len(got), string(got))
	}
	if got[1] != '�' || got[2] != '�' {
		t.Fatalf("expected replacement characters, got %q", string(got))
	}
}
