package bucket

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/kseppi/mrs-mapreduce/mrs"
)

// EOF is the end-of-stream sentinel returned by PairReader.Read once
// every pair has been consumed. It is io.EOF itself, not a distinct
// value, so callers that already check errors.Is(err, io.EOF) against
// an underlying io.Reader keep working against a bucket's PairReader
// without a second case.
var EOF = io.EOF

// PairReader pulls pairs one at a time from a bucket's encoded form.
// It is the only shape a bucket's contents take when crossing the file
// or RPC boundary: a pull-based iterator with an explicit end sentinel,
// never a language-specific generator.
type PairReader interface {
	Read() (mrs.Pair, error)
}

// PairWriter streams pairs into a bucket's encoded form, in the order
// received.
type PairWriter interface {
	Write(p mrs.Pair) error
	// Flush commits any buffered output. Callers must call Flush before
	// discarding a PairWriter obtained from NewWriter.
	Flush() error
}

// NewWriter returns a PairWriter that encodes pairs in the given format
// to w.
func NewWriter(w io.Writer, format Format) PairWriter {
	bw := bufio.NewWriter(w)
	switch format {
	case FormatBinary:
		return &binaryWriter{w: bw}
	default:
		return &hexWriter{w: bw}
	}
}

// NewReader returns a PairReader that decodes pairs in the given format
// from r.
func NewReader(r io.Reader, format Format) PairReader {
	switch format {
	case FormatBinary:
		return &binaryReader{r: bufio.NewReader(r)}
	default:
		return &hexReader{s: bufio.NewScanner(r)}
	}
}

// hexWriter implements the default bucket format: one pair per line,
// hex(key) SP hex(value) NL. Hex encoding preserves the byte-wise sort
// order of the raw key, which is the point of using it rather than a
// general-purpose binary encoding: a hex bucket file can be sorted with
// any byte-order-preserving sort and the result is ordered by key.
type hexWriter struct {
	w *bufio.Writer
}

func (h *hexWriter) Write(p mrs.Pair) error {
	if _, err := h.w.WriteString(hex.EncodeToString(p.Key)); err != nil {
		return err
	}
	if err := h.w.WriteByte(' '); err != nil {
		return err
	}
	if _, err := h.w.WriteString(hex.EncodeToString(p.Value)); err != nil {
		return err
	}
	return h.w.WriteByte('\n')
}

func (h *hexWriter) Flush() error { return h.w.Flush() }

type hexReader struct {
	s *bufio.Scanner
}

func (h *hexReader) Read() (mrs.Pair, error) {
	if !h.s.Scan() {
		if err := h.s.Err(); err != nil {
			return mrs.Pair{}, err
		}
		return mrs.Pair{}, EOF
	}
	line := h.s.Bytes()
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		return mrs.Pair{}, fmt.Errorf("bucket: malformed hex record %q", line)
	}
	key, err := hex.DecodeString(string(line[:sp]))
	if err != nil {
		return mrs.Pair{}, fmt.Errorf("bucket: malformed hex key: %w", err)
	}
	value, err := hex.DecodeString(string(line[sp+1:]))
	if err != nil {
		return mrs.Pair{}, fmt.Errorf("bucket: malformed hex value: %w", err)
	}
	return mrs.Pair{Key: key, Value: value}, nil
}

// binaryWriter implements the length-prefixed binary format: repeated
// records of uint32(len(key)) key uint32(len(value)) value, all in
// big-endian byte order.
type binaryWriter struct {
	w *bufio.Writer
	n [4]byte
}

func (b *binaryWriter) writeField(data []byte) error {
	binary.BigEndian.PutUint32(b.n[:], uint32(len(data)))
	if _, err := b.w.Write(b.n[:]); err != nil {
		return err
	}
	_, err := b.w.Write(data)
	return err
}

func (b *binaryWriter) Write(p mrs.Pair) error {
	if err := b.writeField(p.Key); err != nil {
		return err
	}
	return b.writeField(p.Value)
}

func (b *binaryWriter) Flush() error { return b.w.Flush() }

type binaryReader struct {
	r *bufio.Reader
}

func (b *binaryReader) readField() ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(b.r, n[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("bucket: truncated binary record")
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(n[:])
	data := make([]byte, size)
	if _, err := io.ReadFull(b.r, data); err != nil {
		return nil, fmt.Errorf("bucket: truncated binary field: %w", err)
	}
	return data, nil
}

func (b *binaryReader) Read() (mrs.Pair, error) {
	key, err := b.readField()
	if err != nil {
		if err == io.EOF {
			return mrs.Pair{}, EOF
		}
		return mrs.Pair{}, err
	}
	value, err := b.readField()
	if err != nil {
		return mrs.Pair{}, err
	}
	return mrs.Pair{Key: key, Value: value}, nil
}

// Spill writes the bucket's buffered in-memory pairs to filename in its
// configured format, then marks the bucket finalized: further Appends
// are rejected. The resulting file is byte-identical whether or not an
// implementation chooses to interleave spilling with writing, per the
// dump policy; this implementation buffers fully in memory before
// spilling, which is simpler and adequate at the per-task scale this
// system targets.
func (b *Bucket) Spill(create func(name string) (io.WriteCloser, error), dir string) error {
	b.mu.Lock()
	if b.spilled {
		b.mu.Unlock()
		return nil
	}
	pairs := b.pairs
	b.mu.Unlock()

	name := FileName(b.Source, b.Split, b.Format)
	f, err := create(dir + "/" + name)
	if err != nil {
		return err
	}
	w := NewWriter(f, b.Format)
	for _, p := range pairs {
		if err := w.Write(p); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	b.mu.Lock()
	b.filename = dir + "/" + name
	b.spilled = true
	b.mu.Unlock()
	return nil
}
