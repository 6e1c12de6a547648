package bitcoin

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/ghostpool/internal/metrics"
	"github.com/bardlex/ghostpool/pkg/circuit"
	"github.com/bardlex/ghostpool/pkg/errors"
	"github.com/bardlex/ghostpool/pkg/retry"
)

// RPCClient wraps btcd's RPC client with a circuit breaker and retries.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates a node RPC client over HTTP POST with TLS disabled,
// which is typical for a node running next to the pool.
func NewRPCClient(host, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("host", host)
	}

	cbConfig := &circuit.Config{
		Name:            "node_rpc",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
		IsFailure:       isTransportFailure,
		OnStateChange: func(name string, _, to circuit.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NodeConfig(),
	}, nil
}

// BlockRejectedError is the reason a reachable node gave for refusing a
// submitted block ("duplicate", "inconclusive", "high-hash", ...).
type BlockRejectedError struct {
	Reason string
}

func (e *BlockRejectedError) Error() string {
	return "block rejected: " + e.Reason
}

// isTransportFailure keeps node-side rejections (unknown block, refused
// block) from tripping the breaker; only unreachable nodes should.
func isTransportFailure(err error) bool {
	var rpcErr *btcjson.RPCError
	if stdErrors.As(err, &rpcErr) {
		return false
	}
	var rejected *BlockRejectedError
	return !stdErrors.As(err, &rejected)
}

// Close shuts down the RPC client
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate retrieves a segwit block template
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{
				Mode:         "template",
				Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
				Rules:        []string{"segwit"},
			}

			template, err := c.client.GetBlockTemplateAsync(req).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_block_template",
					"failed to retrieve block template")
			}

			return template, nil
		})
	})
}

// GetBlockchainInfo returns chain state, including the IBD flag
func (c *RPCClient) GetBlockchainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockChainInfoResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockChainInfoResult, error) {
			info, err := c.client.GetBlockChainInfoAsync().Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_blockchain_info",
					"failed to retrieve blockchain info")
			}
			return info, nil
		})
	})
}

// GetBlockVerbose returns block metadata including its confirmation count
func (c *RPCClient) GetBlockVerbose(ctx context.Context, hash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockVerboseResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockVerboseResult, error) {
			block, err := c.client.GetBlockVerboseAsync(hash).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_block_verbose",
					"failed to retrieve block").
					WithContext("block_hash", hash.String())
			}
			return block, nil
		})
	})
}

// GetBlock returns the full block
func (c *RPCClient) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*wire.MsgBlock, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*wire.MsgBlock, error) {
			block, err := c.client.GetBlockAsync(hash).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_block",
					"failed to retrieve block").
					WithContext("block_hash", hash.String())
			}
			return block, nil
		})
	})
}

// SubmitBlock submits a solved block once. The node answers null on
// success and a reason string ("duplicate", "inconclusive", ...) otherwise.
func (c *RPCClient) SubmitBlock(ctx context.Context, block *wire.MsgBlock) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, retry.Once(), func() error {
			res, err := rpcclient.ReceiveFuture(c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil))
			if err == nil {
				err = submitResult(res)
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeNode, "submit_block",
					"node refused block").
					WithContext("block_hash", block.BlockHash().String())
			}
			return nil
		})
	})
}

// submitResult decodes the submitblock reply: null on success, otherwise a
// reason string.
func submitResult(res json.RawMessage) error {
	if len(res) == 0 || string(res) == "null" {
		return nil
	}
	var reason string
	if err := json.Unmarshal(res, &reason); err != nil {
		reason = string(res)
	}
	return &BlockRejectedError{Reason: reason}
}

// SendToAddress pays amount from the node wallet and returns the tx hash
func (c *RPCClient) SendToAddress(ctx context.Context, address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*chainhash.Hash, error) {
		// A send that timed out may still have been broadcast; never retry it.
		return retry.DoWithResult(ctx, retry.Once(), func() (*chainhash.Hash, error) {
			hash, err := c.client.SendToAddressAsync(address, amount).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, "send_to_address",
					"wallet send failed").
					WithContext("address", address.String()).
					WithContext("amount", int64(amount))
			}
			return hash, nil
		})
	})
}

// Ping tests the connection to the node
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"node connectivity check failed")
			}
			return nil
		})
	})
}
