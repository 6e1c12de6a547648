package bitcoin

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MockRPCClient provides a mock implementation of RPCInterface for testing.
type MockRPCClient struct {
	mu sync.Mutex

	// Control mock behavior
	ShouldError bool
	ErrorMsg    string
	SubmitErr   error

	// Mock data
	BlockTemplate  *btcjson.GetBlockTemplateResult
	ChainInfo      *btcjson.GetBlockChainInfoResult
	Confirmations  map[string]int64
	Blocks         map[string]*wire.MsgBlock
	Submitted      []*wire.MsgBlock
	Sent           map[string]btcutil.Amount
	nextTxHashByte byte
}

// NewMockRPCClient creates a new mock RPC client for testing.
func NewMockRPCClient() *MockRPCClient {
	return &MockRPCClient{
		BlockTemplate: &btcjson.GetBlockTemplateResult{
			Version:       0x20000000,
			PreviousHash:  "000000000000000000000000000000000000000000000000000000000000abcd",
			Bits:          "207fffff",
			CurTime:       1700000000,
			Height:        100,
			CoinbaseValue: func() *int64 { v := int64(5000000000); return &v }(),
			Transactions:  []btcjson.GetBlockTemplateResultTx{},
		},
		ChainInfo:     &btcjson.GetBlockChainInfoResult{Chain: "regtest", Blocks: 100},
		Confirmations: make(map[string]int64),
		Blocks:        make(map[string]*wire.MsgBlock),
		Sent:          make(map[string]btcutil.Amount),
	}
}

func (m *MockRPCClient) err() error {
	if m.ShouldError {
		return errors.New(m.ErrorMsg)
	}
	return nil
}

// GetBlockTemplate returns a mock block template.
func (m *MockRPCClient) GetBlockTemplate(_ context.Context) (*btcjson.GetBlockTemplateResult, error) {
	if err := m.err(); err != nil {
		return nil, err
	}
	return m.BlockTemplate, nil
}

// GetBlockchainInfo returns mock chain state.
func (m *MockRPCClient) GetBlockchainInfo(_ context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	if err := m.err(); err != nil {
		return nil, err
	}
	return m.ChainInfo, nil
}

// GetBlockVerbose returns the configured confirmation count.
func (m *MockRPCClient) GetBlockVerbose(_ context.Context, hash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error) {
	if err := m.err(); err != nil {
		return nil, err
	}
	confirmations, ok := m.Confirmations[hash.String()]
	if !ok {
		return nil, &btcjson.RPCError{Code: btcjson.ErrRPCBlockNotFound, Message: "Block not found"}
	}
	return &btcjson.GetBlockVerboseResult{Hash: hash.String(), Confirmations: confirmations}, nil
}

// GetBlock returns a stored block.
func (m *MockRPCClient) GetBlock(_ context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	if err := m.err(); err != nil {
		return nil, err
	}
	block, ok := m.Blocks[hash.String()]
	if !ok {
		return nil, &btcjson.RPCError{Code: btcjson.ErrRPCBlockNotFound, Message: "Block not found"}
	}
	return block, nil
}

// SubmitBlock records the block.
func (m *MockRPCClient) SubmitBlock(_ context.Context, block *wire.MsgBlock) error {
	if err := m.err(); err != nil {
		return err
	}
	if m.SubmitErr != nil {
		return m.SubmitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = append(m.Submitted, block)
	return nil
}

// SendToAddress records the payment and returns a fresh tx hash.
func (m *MockRPCClient) SendToAddress(_ context.Context, address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error) {
	if err := m.err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent[address.EncodeAddress()] += amount
	m.nextTxHashByte++
	var hash chainhash.Hash
	hash[0] = m.nextTxHashByte
	return &hash, nil
}

// Ping simulates a connectivity check.
func (m *MockRPCClient) Ping(_ context.Context) error {
	return m.err()
}

// Close is a no-op for the mock.
func (m *MockRPCClient) Close() {}

// regtestAddress returns a valid regtest P2WPKH address derived from seed.
func regtestAddress(seed byte) string {
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = seed
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
	if err != nil {
		panic(err)
	}
	return addr.EncodeAddress()
}
