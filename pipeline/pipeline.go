// Package pipeline drives the burnchain indexer's sync() entry point: reorg
// detection, headers resync, and the three-stage downloader/parser/applier
// pipeline of spec.md §4.1 step 5. Stage coordination generalizes the
// teacher's network.Syncer (request → validate → execute → commit-with-
// rollback) into three concurrent stages joined by capacity-one channels
// under one errgroup.Group, per spec.md §5's backpressure requirement.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tolelom/sortichain/burnchain"
	"github.com/tolelom/sortichain/errs"
	"github.com/tolelom/sortichain/snapshot"
)

// ReorgNotifier is implemented optionally by an Applier that wants to
// publish an event when a reorg is handled (snapshot.Controller does).
type ReorgNotifier interface {
	EmitReorg(fromHeight, toHeight int64)
}

// Applier applies one fully-parsed block under a single DB transaction,
// implementing ops classification (C2), checking (C3), sortition (C4) and
// snapshot persistence (C5). snapshot.Controller is the implementation that
// cmd/node wires in; pipeline only calls it through this narrow contract.
type Applier interface {
	ApplyBlock(ctx context.Context, block *burnchain.BurnchainBlock) error
}

// latencyRecorder is satisfied by a Prometheus histogram (cmd/node passes
// one); kept as an interface here so pipeline has no hard dependency on
// Prometheus during tests.
type latencyRecorder interface {
	Observe(seconds float64)
}

// Pipeline owns one sync cycle's worth of state.
type Pipeline struct {
	indexer burnchain.Indexer
	headers *burnchain.HeaderFile
	snapDB  *snapshot.DB
	applier Applier
	log     *zap.SugaredLogger
	latency latencyRecorder
}

// New creates a Pipeline. latency may be nil to disable per-block latency
// recording (tests typically pass nil).
func New(indexer burnchain.Indexer, headers *burnchain.HeaderFile, snapDB *snapshot.DB, applier Applier, log *zap.SugaredLogger, latency latencyRecorder) *Pipeline {
	return &Pipeline{indexer: indexer, headers: headers, snapDB: snapDB, applier: applier, log: log, latency: latency}
}

// Sync brings the local snapshot DB to the current indexer tip, handling
// reorgs atomically, per spec.md §4.1.
func (p *Pipeline) Sync(ctx context.Context) (int64, error) {
	dbHeight, err := p.snapDB.MaxHeight(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.DBError, err)
	}
	headersHeight, err := p.headers.Height()
	if err != nil {
		return 0, err
	}
	if headersHeight < dbHeight {
		return 0, errs.Wrap(errs.MissingHeaders, fmt.Errorf("headers height %d < db height %d", headersHeight, dbHeight))
	}

	newHeight, err := burnchain.FindChainReorg(p.headers, p.indexer, dbHeight)
	if err != nil {
		return 0, err
	}
	syncStart := headersHeight + 1
	applyFrom := dbHeight + 1
	if newHeight < dbHeight {
		p.log.Warnw("reorg detected", "from_height", dbHeight, "to_height", newHeight)
		if err := p.snapDB.InvalidateAbove(ctx, newHeight); err != nil {
			return 0, errs.Wrap(errs.DBError, err)
		}
		if err := p.headers.Truncate(newHeight); err != nil {
			return 0, err
		}
		if notifier, ok := p.applier.(ReorgNotifier); ok {
			notifier.EmitReorg(dbHeight, newHeight)
		}
		syncStart = newHeight + 1
		applyFrom = newHeight + 1
	}

	tip, err := p.indexer.SyncHeaders(ctx, syncStart)
	if err != nil {
		return 0, err
	}

	if err := p.runStages(ctx, applyFrom, tip); err != nil {
		return 0, err
	}
	return tip, nil
}

// blockJob carries one height's header through the pipeline's stages.
type blockJob struct {
	header burnchain.Header
	raw    []byte
	block  *burnchain.BurnchainBlock
}

// runStages wires the three cooperating workers with capacity-one channels
// between them, providing the backpressure spec.md §4.1/§5 require: the
// downloader blocks on send when the parser is busy, the parser blocks when
// the applier is busy. Cancelling ctx (or any stage returning an error)
// drains the remaining stages instead of leaving goroutines blocked.
func (p *Pipeline) runStages(ctx context.Context, from, to int64) error {
	if to < from {
		return nil // nothing new to apply
	}
	headerCh := make(chan blockJob, 1)
	downloadedCh := make(chan blockJob, 1)
	parsedCh := make(chan blockJob, 1)

	g, ctx := errgroup.WithContext(ctx)

	// head feeder: produces one job per height, then closes headerCh.
	g.Go(func() error {
		defer close(headerCh)
		for h := from; h <= to; h++ {
			hdrs, err := p.headers.ReadHeaders(h, h)
			if err != nil {
				return err
			}
			select {
			case headerCh <- blockJob{header: hdrs[0]}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	// downloader
	g.Go(func() error {
		defer close(downloadedCh)
		for job := range headerCh {
			start := time.Now()
			raw, err := p.indexer.Downloader().DownloadBlock(ctx, job.header)
			if err != nil {
				return errs.Wrap(errs.FSError, fmt.Errorf("download block %d: %w", job.header.Height, err))
			}
			if p.latency != nil {
				p.latency.Observe(time.Since(start).Seconds())
			}
			job.raw = raw
			select {
			case downloadedCh <- job:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	// parser
	g.Go(func() error {
		defer close(parsedCh)
		for job := range downloadedCh {
			block, err := p.indexer.Parser().ParseBlock(ctx, job.header, job.raw)
			if err != nil {
				return errs.Wrap(errs.FSError, fmt.Errorf("parse block %d: %w", job.header.Height, err))
			}
			job.block = block
			select {
			case parsedCh <- job:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	// applier: the only stage that touches the DB, one transaction per block.
	g.Go(func() error {
		for job := range parsedCh {
			if err := p.applier.ApplyBlock(ctx, job.block); err != nil {
				return err
			}
			p.log.Debugw("block applied", "height", job.header.Height)
		}
		return nil
	})

	return g.Wait()
}
