package bitcoin

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ghostpool/internal/templates"
	"github.com/bardlex/ghostpool/pkg/errors"
	"github.com/bardlex/ghostpool/pkg/log"
)

// Node is the pool's view of a bitcoind-compatible node
type Node struct {
	rpc    RPCInterface
	params *chaincfg.Params
	logger *log.Logger
}

// NewNode creates a node adapter over rpc
func NewNode(rpc RPCInterface, params *chaincfg.Params, logger *log.Logger) *Node {
	return &Node{
		rpc:    rpc,
		params: params,
		logger: logger.WithComponent("node"),
	}
}

// ParamsForNetwork maps a network name to its chain parameters
func ParamsForNetwork(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// GetLatestTemplate fetches a block template and builds a candidate block
// paying payoutAddress.
func (n *Node) GetLatestTemplate(ctx context.Context, payoutAddress, identity string) (*templates.Template, error) {
	gbt, err := n.rpc.GetBlockTemplate(ctx)
	if err != nil {
		return nil, err
	}

	tpl, err := buildTemplate(gbt, payoutAddress, identity, n.params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "build_template",
			"failed to assemble candidate block").
			WithContext("height", gbt.Height)
	}

	return tpl, nil
}

// SubmitBlock hands a solved block to the node. A node still syncing, or
// one that refuses the block, yields templates.ErrBlockRejected.
func (n *Node) SubmitBlock(ctx context.Context, block templates.Block) error {
	b, ok := block.(*Block)
	if !ok {
		return fmt.Errorf("unexpected block type %T: %w", block, templates.ErrBlockRejected)
	}

	info, err := n.rpc.GetBlockchainInfo(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", templates.ErrBlockRejected, err)
	}
	if info.InitialBlockDownload {
		return fmt.Errorf("node is in initial block download: %w", templates.ErrBlockRejected)
	}

	if err := n.rpc.SubmitBlock(ctx, b.MsgBlock()); err != nil {
		return fmt.Errorf("%w: %w", templates.ErrBlockRejected, err)
	}

	n.logger.Info("block accepted by node", "hash", b.Hash(), "height", b.Height())
	return nil
}

// Confirmations returns the confirmation count of a block. Blocks off the
// main chain report -1.
func (n *Node) Confirmations(ctx context.Context, hash string) (int64, error) {
	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "confirmations",
			"invalid block hash").WithContext("block_hash", hash)
	}

	block, err := n.rpc.GetBlockVerbose(ctx, h)
	if err != nil {
		return 0, err
	}

	return block.Confirmations, nil
}

// IsBlockConfirmed reports whether the block is on the main chain
func (n *Node) IsBlockConfirmed(ctx context.Context, hash string) (bool, error) {
	confirmations, err := n.Confirmations(ctx, hash)
	if err != nil {
		return false, err
	}
	return confirmations > 0, nil
}

// CoinbaseValue sums the coinbase outputs of a block
func (n *Node) CoinbaseValue(ctx context.Context, hash string) (int64, error) {
	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "coinbase_value",
			"invalid block hash").WithContext("block_hash", hash)
	}

	block, err := n.rpc.GetBlock(ctx, h)
	if err != nil {
		return 0, err
	}
	if len(block.Transactions) == 0 {
		return 0, errors.New(errors.ErrorTypeNode, "coinbase_value", "block has no transactions").
			WithContext("block_hash", hash)
	}

	var total int64
	for _, out := range block.Transactions[0].TxOut {
		total += out.Value
	}
	return total, nil
}

// ValidateAddress checks that address decodes for the configured network
func (n *Node) ValidateAddress(address string) error {
	addr, err := btcutil.DecodeAddress(address, n.params)
	if err != nil {
		return err
	}
	if !addr.IsForNet(n.params) {
		return fmt.Errorf("address %s is not for %s", address, n.params.Name)
	}
	return nil
}

// Send pays amount base units to address from the node wallet
func (n *Node) Send(ctx context.Context, address string, amount int64) (string, error) {
	addr, err := btcutil.DecodeAddress(address, n.params)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "send",
			"invalid payout address").WithContext("address", address)
	}

	hash, err := n.rpc.SendToAddress(ctx, addr, btcutil.Amount(amount))
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}
