// Package bitcoin adapts a bitcoind-compatible node to the pool: it builds
// candidate blocks from getblocktemplate, verifies proof of work, submits
// solved blocks, answers confirmation queries and sends wallet payouts.
package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/ghostpool/internal/templates"
)

// RPCInterface is the node RPC surface the adapter relies on.
type RPCInterface interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	GetBlockchainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error)
	GetBlockVerbose(ctx context.Context, hash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error)
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	SubmitBlock(ctx context.Context, block *wire.MsgBlock) error
	SendToAddress(ctx context.Context, address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error)
	Ping(ctx context.Context) error
	Close()
}

// ZMQInterface defines ZMQ notification operations
type ZMQInterface interface {
	Subscribe(topic string) error
	Connect() error
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

var (
	_ RPCInterface    = (*RPCClient)(nil)
	_ ZMQInterface    = (*ZMQNotifier)(nil)
	_ templates.Node  = (*Node)(nil)
	_ templates.Block = (*Block)(nil)
	_ templates.PoW   = (*PoWState)(nil)
)
