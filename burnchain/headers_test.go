package burnchain

import (
	"os"
	"testing"

	"github.com/tolelom/sortichain/chainhash"
)

func openTestHeaderFile(t *testing.T) *HeaderFile {
	t.Helper()
	f, err := os.CreateTemp("", "headers-test-*.dat")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	hf, err := OpenHeaderFile(path)
	if err != nil {
		t.Fatalf("OpenHeaderFile: %v", err)
	}
	t.Cleanup(func() { hf.Close() })
	return hf
}

func testHeader(height int64) Header {
	return Header{
		Height:     height,
		Hash:       chainhash.DoubleSHA256([]byte{byte(height)}),
		ParentHash: chainhash.DoubleSHA256([]byte{byte(height - 1)}),
		Timestamp:  1000 + height,
	}
}

func TestHeaderFileEmptyHeightIsMinusOne(t *testing.T) {
	hf := openTestHeaderFile(t)
	h, err := hf.Height()
	if err != nil {
		t.Fatalf("Height: %v", err)
	}
	if h != -1 {
		t.Fatalf("expected -1 for empty file, got %d", h)
	}
}

func TestHeaderFileAppendAndRead(t *testing.T) {
	hf := openTestHeaderFile(t)
	for h := int64(0); h < 5; h++ {
		if err := hf.Append(testHeader(h)); err != nil {
			t.Fatalf("Append(%d): %v", h, err)
		}
	}
	height, err := hf.Height()
	if err != nil {
		t.Fatalf("Height: %v", err)
	}
	if height != 4 {
		t.Fatalf("expected height 4, got %d", height)
	}

	got, err := hf.ReadHeaders(1, 3)
	if err != nil {
		t.Fatalf("ReadHeaders: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 headers, got %d", len(got))
	}
	for i, h := range got {
		want := testHeader(int64(1 + i))
		if h.Height != want.Height || h.Hash != want.Hash || h.Timestamp != want.Timestamp {
			t.Fatalf("header %d mismatch: got %+v want %+v", i, h, want)
		}
	}
}

func TestHeaderFileAppendRejectsSkippedHeight(t *testing.T) {
	hf := openTestHeaderFile(t)
	if err := hf.Append(testHeader(0)); err != nil {
		t.Fatalf("Append(0): %v", err)
	}
	if err := hf.Append(testHeader(5)); err == nil {
		t.Fatal("expected an error appending a non-contiguous height")
	}
}

func TestHeaderFileReadHeadersOutOfBounds(t *testing.T) {
	hf := openTestHeaderFile(t)
	if err := hf.Append(testHeader(0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := hf.ReadHeaders(0, 5); err == nil {
		t.Fatal("expected an error reading past the stored range")
	}
}

func TestHeaderFileTruncate(t *testing.T) {
	hf := openTestHeaderFile(t)
	for h := int64(0); h < 5; h++ {
		if err := hf.Append(testHeader(h)); err != nil {
			t.Fatalf("Append(%d): %v", h, err)
		}
	}
	if err := hf.Truncate(2); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	height, err := hf.Height()
	if err != nil {
		t.Fatalf("Height: %v", err)
	}
	if height != 2 {
		t.Fatalf("expected height 2 after truncate, got %d", height)
	}
	if _, err := hf.ReadHeaders(3, 3); err == nil {
		t.Fatal("expected truncated heights to be unreadable")
	}
}
