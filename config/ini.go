package config

import (
	"fmt"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// BurnchainParams are the connection parameters for the parent chain a
// node indexes against, read from `<chain_name>.ini` alongside the main
// JSON config (spec.md §6 "a companion chain-specific file carries RPC
// connection parameters that do not belong in the JSON config's generic
// shape").
type BurnchainParams struct {
	RPCHost string
	RPCPort int
	RPCUser string
	RPCPass string
	ZMQAddr string // optional: block-notify transport, empty disables it
}

// LoadBurnchainParams reads `<dir>/<chainName>.ini`.
func LoadBurnchainParams(dir, chainName string) (*BurnchainParams, error) {
	path := filepath.Join(dir, chainName+".ini")
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	sec := f.Section("burnchain")
	p := &BurnchainParams{
		RPCHost: sec.Key("rpc_host").MustString("127.0.0.1"),
		RPCPort: sec.Key("rpc_port").MustInt(8332),
		RPCUser: sec.Key("rpc_user").String(),
		RPCPass: sec.Key("rpc_pass").String(),
		ZMQAddr: sec.Key("zmq_addr").String(),
	}
	if p.RPCUser == "" {
		return nil, fmt.Errorf("%s: burnchain.rpc_user must not be empty", path)
	}
	return p, nil
}
