package burnchain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/tolelom/sortichain/chainhash"
	"github.com/tolelom/sortichain/errs"
)

// BitcoinRPCParams are the bitcoind JSON-RPC connection parameters,
// populated from the node's <chain_name>.ini companion file.
type BitcoinRPCParams struct {
	Host     string
	Port     int
	User     string
	Password string
}

// BitcoinIndexer is the concrete Indexer implementation for a
// Bitcoin-compatible burnchain: it is deliberately thin "external
// scaffolding" (spec.md's own framing) around bitcoind's JSON-RPC
// interface, kept to four RPC methods: getblockcount, getblockhash,
// getblockheader and getblock.
type BitcoinIndexer struct {
	params     BitcoinRPCParams
	httpClient *http.Client
	headers    *HeaderFile

	firstBlockHeight int64
	firstBlockHash   Header
}

var _ Indexer = (*BitcoinIndexer)(nil)

// NewBitcoinIndexer constructs a BitcoinIndexer against bitcoind at
// params, with header history persisted at headersPath.
func NewBitcoinIndexer(params BitcoinRPCParams, headersPath string, firstBlockHeight int64) (*BitcoinIndexer, error) {
	hf, err := OpenHeaderFile(headersPath)
	if err != nil {
		return nil, err
	}
	return &BitcoinIndexer{
		params:           params,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		headers:          hf,
		firstBlockHeight: firstBlockHeight,
	}, nil
}

func (b *BitcoinIndexer) Init(workingDir, chainName, networkName string) error {
	return nil
}

func (b *BitcoinIndexer) GetHeadersPath() string { return b.headers.path }

func (b *BitcoinIndexer) GetHeadersHeight() (int64, error) { return b.headers.Height() }

func (b *BitcoinIndexer) GetFirstBlockHeight() int64 { return b.firstBlockHeight }

func (b *BitcoinIndexer) GetFirstBlockHeaderHash() Header { return b.firstBlockHash }

// SyncHeaders fetches bitcoind's best height and appends every header from
// `from` to the tip into the local HeaderFile, returning the new tip.
func (b *BitcoinIndexer) SyncHeaders(ctx context.Context, from int64) (int64, error) {
	tip, err := b.getBlockCount(ctx)
	if err != nil {
		return 0, err
	}
	for h := from; h <= tip; h++ {
		hdr, err := b.RemoteHeaderAt(h)
		if err != nil {
			return 0, err
		}
		if err := b.headers.Append(hdr); err != nil {
			return 0, err
		}
	}
	return tip, nil
}

func (b *BitcoinIndexer) DropHeaders(toHeight int64) error {
	return b.headers.Truncate(toHeight)
}

// RemoteHeaderAt fetches the header at height directly from bitcoind,
// bypassing the local HeaderFile cache (used by reorg detection to see
// what the chain currently looks like).
func (b *BitcoinIndexer) RemoteHeaderAt(height int64) (Header, error) {
	hashHex, err := b.callString(context.Background(), "getblockhash", []any{height})
	if err != nil {
		return Header{}, err
	}
	hash, err := chainhash.FromHex(hashHex)
	if err != nil {
		return Header{}, fmt.Errorf("parse block hash: %w", err)
	}
	var raw struct {
		PreviousBlockHash string `json:"previousblockhash"`
		Time              int64  `json:"time"`
	}
	if err := b.call(context.Background(), "getblockheader", []any{hashHex}, &raw); err != nil {
		return Header{}, err
	}
	var parent chainhash.Hash
	if raw.PreviousBlockHash != "" {
		parent, err = chainhash.FromHex(raw.PreviousBlockHash)
		if err != nil {
			return Header{}, fmt.Errorf("parse parent hash: %w", err)
		}
	}
	return Header{Height: height, Hash: hash, ParentHash: parent, Timestamp: raw.Time}, nil
}

func (b *BitcoinIndexer) Downloader() Downloader { return bitcoinDownloader{b} }
func (b *BitcoinIndexer) Parser() Parser         { return bitcoinParser{} }

func (b *BitcoinIndexer) getBlockCount(ctx context.Context) (int64, error) {
	var count int64
	if err := b.call(ctx, "getblockcount", nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

type bitcoinDownloader struct{ b *BitcoinIndexer }

// DownloadBlock fetches the raw serialized block bytes for h's hash via
// bitcoind's verbosity-0 getblock call.
func (d bitcoinDownloader) DownloadBlock(ctx context.Context, h Header) ([]byte, error) {
	hexBlock, err := d.b.callString(ctx, "getblock", []any{h.Hash.String(), 0})
	if err != nil {
		return nil, errs.Wrap(errs.FSError, err)
	}
	raw, err := hex.DecodeString(hexBlock)
	if err != nil {
		return nil, errs.Wrap(errs.FSError, fmt.Errorf("decode block hex: %w", err))
	}
	return raw, nil
}

type bitcoinParser struct{}

// ParseBlock decodes a raw Bitcoin wire block and extracts every
// transaction's OP_RETURN payload and inputs/outputs, ready for ops.Classify.
func (bitcoinParser) ParseBlock(ctx context.Context, h Header, raw []byte) (*BurnchainBlock, error) {
	var wireBlock wire.MsgBlock
	if err := wireBlock.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize block %d: %w", h.Height, err)
	}
	block := &BurnchainBlock{Height: h.Height, Hash: h.Hash, ParentHash: h.ParentHash}
	for i, tx := range wireBlock.Transactions {
		btx := BurnchainTransaction{
			Txid:     chainhash.Hash(tx.TxHash()),
			VtxIndex: i,
		}
		for _, in := range tx.TxIn {
			btx.Inputs = append(btx.Inputs, TxIn{
				PrevTxid: chainhash.Hash(in.PreviousOutPoint.Hash),
				PrevVout: in.PreviousOutPoint.Index,
				PubKey:   extractPubKey(in.SignatureScript),
			})
		}
		for _, out := range tx.TxOut {
			btx.Outputs = append(btx.Outputs, TxOut{Value: uint64(out.Value), Script: out.PkScript})
			if isOpReturn(out.PkScript) {
				btx.Data = opReturnPayload(out.PkScript)
				if len(btx.Data) > 0 {
					btx.Opcode = btx.Data[0]
				}
			}
		}
		block.Txs = append(block.Txs, btx)
	}
	return block, nil
}

func isOpReturn(script []byte) bool {
	return len(script) > 0 && script[0] == 0x6a // OP_RETURN
}

// opReturnPayload strips OP_RETURN and its push-data length prefix,
// supporting both the one-byte and OP_PUSHDATA1 encodings bitcoind emits
// for payloads in the 76-80 byte range this module's ops use.
func opReturnPayload(script []byte) []byte {
	if len(script) < 2 {
		return nil
	}
	switch {
	case script[1] == 0x4c && len(script) >= 3: // OP_PUSHDATA1
		return script[3:]
	default:
		return script[2:]
	}
}

// extractPubKey pulls the last push from a legacy scriptSig, the common
// place a compressed secp256k1 pubkey appears for a burn's authorizing
// input.
func extractPubKey(sigScript []byte) []byte {
	if len(sigScript) < 34 {
		return nil
	}
	return sigScript[len(sigScript)-33:]
}

func (b *BitcoinIndexer) call(ctx context.Context, method string, params []any, out any) (err error) {
	type rpcReq struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}
	type rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	body, err := json.Marshal(rpcReq{JSONRPC: "1.0", ID: "sortichain", Method: method, Params: params})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/", b.params.Host, b.params.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(b.params.User, b.params.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.ConnectionBroken, err)
	}
	defer resp.Body.Close()

	var rr rpcResp
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return errs.Wrap(errs.InvalidMessage, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%s: %s (code %d)", method, rr.Error.Message, rr.Error.Code)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

func (b *BitcoinIndexer) callString(ctx context.Context, method string, params []any) (string, error) {
	var s string
	if err := b.call(ctx, method, params, &s); err != nil {
		return "", err
	}
	return s, nil
}
