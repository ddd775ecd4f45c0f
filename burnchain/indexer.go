package burnchain

import "context"

// Downloader fetches a full block for a given header. Implementations wrap
// whatever transport the parent chain uses (RPC, P2P); the pipeline package
// only needs this narrow contract.
type Downloader interface {
	DownloadBlock(ctx context.Context, h Header) ([]byte, error)
}

// Parser decodes a downloaded block's raw bytes into a BurnchainBlock.
type Parser interface {
	ParseBlock(ctx context.Context, h Header, raw []byte) (*BurnchainBlock, error)
}

// Indexer is the burnchain capability consumed by the pipeline. Reorg
// detection is the separate function FindChainReorg, and local header reads
// go through HeaderFile.ReadHeaders; neither is part of this interface.
type Indexer interface {
	RemoteHeaderSource

	Init(workingDir, chainName, networkName string) error
	GetHeadersPath() string
	GetHeadersHeight() (int64, error)
	GetFirstBlockHeight() int64
	GetFirstBlockHeaderHash() Header

	// SyncHeaders fetches remote headers in [from, tip] and returns the new
	// tip height.
	SyncHeaders(ctx context.Context, from int64) (int64, error)
	// DropHeaders truncates the indexer's own remote-facing header cache
	// down to toHeight (used after a detected reorg).
	DropHeaders(toHeight int64) error

	Downloader() Downloader
	Parser() Parser
}
