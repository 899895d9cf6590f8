package bucket

import (
	"bytes"
	"testing"

	fuzz "github.com/google/gofuzz"

	"github.com/kseppi/mrs-mapreduce/mrs"
)

func TestFormatRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatHex, FormatBinary} {
		format := format
		t.Run(string(format), func(t *testing.T) {
			fz := fuzz.NewWithSeed(12345)
			const n = 200
			pairs := make([]mrs.Pair, n)
			for i := range pairs {
				fz.NilChance(0).NumElements(0, 64).Fuzz(&pairs[i].Key)
				fz.NilChance(0).NumElements(0, 64).Fuzz(&pairs[i].Value)
			}

			var buf bytes.Buffer
			w := NewWriter(&buf, format)
			for _, p := range pairs {
				if err := w.Write(p); err != nil {
					t.Fatal(err)
				}
			}
			if err := w.Flush(); err != nil {
				t.Fatal(err)
			}

			r := NewReader(&buf, format)
			for i, want := range pairs {
				got, err := r.Read()
				if err != nil {
					t.Fatalf("pair %d: %v", i, err)
				}
				if !bytes.Equal(got.Key, want.Key) || !bytes.Equal(got.Value, want.Value) {
					t.Fatalf("pair %d: got %+v, want %+v", i, got, want)
				}
			}
			if _, err := r.Read(); err != EOF {
				t.Fatalf("got %v, want EOF", err)
			}
		})
	}
}

func TestHexPreservesKeySortOrder(t *testing.T) {
	keys := [][]byte{{0x00}, {0x01}, {0x7f}, {0x80}, {0xff}, {0xff, 0x00}}
	for i := 1; i < len(keys); i++ {
		a, b := hexEncode(keys[i-1]), hexEncode(keys[i])
		if a >= b {
			t.Fatalf("hex encoding did not preserve order: %q >= %q", a, b)
		}
	}
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}

func TestBucketEmptyAndAppend(t *testing.T) {
	b := New(0, 0, FormatHex)
	if !b.Empty() {
		t.Fatal("new bucket should be empty")
	}
	if err := b.Append([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if b.Empty() {
		t.Fatal("bucket with an appended pair should not be empty")
	}
	if got, want := len(b.Pairs()), 1; got != want {
		t.Fatalf("got %d pairs, want %d", got, want)
	}
}
