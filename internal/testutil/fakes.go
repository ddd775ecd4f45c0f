// Package testutil provides in-memory fakes of this module's interfaces
// for use in tests. Never import this in production code. Generalizes the
// teacher's MemDB/MemBlockStore fakes (internal/testutil/memdb.go) from a
// KV-store shape to this module's burnchain Indexer interface
// (FakeIndexer).
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/tolelom/sortichain/burnchain"
)

// FakeIndexer is an in-memory burnchain.Indexer backed by a fixed slice of
// headers and blocks supplied up front, for pipeline and controller tests
// that don't want to talk to a real burnchain node.
type FakeIndexer struct {
	mu      sync.Mutex
	headers []burnchain.Header
	blocks  map[int64]*burnchain.BurnchainBlock
	raw     map[int64][]byte

	FirstHeight int64
	FirstHeader burnchain.Header
}

// NewFakeIndexer builds a FakeIndexer from a parallel headers/blocks
// slice, indexed by height starting at headers[0].Height.
func NewFakeIndexer(headers []burnchain.Header, blocks []*burnchain.BurnchainBlock) *FakeIndexer {
	f := &FakeIndexer{
		headers: headers,
		blocks:  make(map[int64]*burnchain.BurnchainBlock),
		raw:     make(map[int64][]byte),
	}
	for _, b := range blocks {
		f.blocks[b.Height] = b
		f.raw[b.Height] = []byte(fmt.Sprintf("raw:%d", b.Height))
	}
	if len(headers) > 0 {
		f.FirstHeight = headers[0].Height
		f.FirstHeader = headers[0]
	}
	return f
}

func (f *FakeIndexer) Init(workingDir, chainName, networkName string) error { return nil }

func (f *FakeIndexer) GetHeadersPath() string { return "" }

func (f *FakeIndexer) GetHeadersHeight() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.headers) == 0 {
		return -1, nil
	}
	return f.headers[len(f.headers)-1].Height, nil
}

func (f *FakeIndexer) GetFirstBlockHeight() int64 { return f.FirstHeight }

func (f *FakeIndexer) GetFirstBlockHeaderHash() burnchain.Header { return f.FirstHeader }

func (f *FakeIndexer) SyncHeaders(ctx context.Context, from int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.headers) == 0 {
		return from - 1, nil
	}
	return f.headers[len(f.headers)-1].Height, nil
}

func (f *FakeIndexer) DropHeaders(toHeight int64) error { return nil }

func (f *FakeIndexer) RemoteHeaderAt(height int64) (burnchain.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.headers {
		if h.Height == height {
			return h, nil
		}
	}
	return burnchain.Header{}, fmt.Errorf("no header at height %d", height)
}

func (f *FakeIndexer) Downloader() burnchain.Downloader { return fakeDownloader{f} }
func (f *FakeIndexer) Parser() burnchain.Parser         { return fakeParser{f} }

type fakeDownloader struct{ f *FakeIndexer }

func (d fakeDownloader) DownloadBlock(ctx context.Context, h burnchain.Header) ([]byte, error) {
	d.f.mu.Lock()
	defer d.f.mu.Unlock()
	raw, ok := d.f.raw[h.Height]
	if !ok {
		return nil, fmt.Errorf("no block at height %d", h.Height)
	}
	return raw, nil
}

type fakeParser struct{ f *FakeIndexer }

func (p fakeParser) ParseBlock(ctx context.Context, h burnchain.Header, raw []byte) (*burnchain.BurnchainBlock, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	b, ok := p.f.blocks[h.Height]
	if !ok {
		return nil, fmt.Errorf("no parsed block at height %d", h.Height)
	}
	return b, nil
}

var _ burnchain.Indexer = (*FakeIndexer)(nil)
