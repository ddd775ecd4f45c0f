package burnchain

// RemoteHeaderSource is the subset of an Indexer that reorg detection needs:
// the ability to re-read the remote chain's header at a given height.
type RemoteHeaderSource interface {
	// RemoteHeaderAt returns the remote chain's header at height, as it
	// currently stands (which may differ from what is in the local
	// HeaderFile if a reorg has occurred).
	RemoteHeaderAt(height int64) (Header, error)
}

// FindChainReorg walks backward from dbHeight while the locally stored
// header disagrees with the remote chain's header at the same height, and
// returns the highest height at which they still agree. If they agree at
// dbHeight, dbHeight itself is returned (no reorg). Per spec.md §4.1 step 3.
func FindChainReorg(local *HeaderFile, remote RemoteHeaderSource, dbHeight int64) (int64, error) {
	height := dbHeight
	for height >= 0 {
		localHdrs, err := local.ReadHeaders(height, height)
		if err != nil {
			return 0, err
		}
		remoteHdr, err := remote.RemoteHeaderAt(height)
		if err != nil {
			return 0, err
		}
		if localHdrs[0].Hash == remoteHdr.Hash {
			return height, nil
		}
		height--
	}
	return -1, nil
}
