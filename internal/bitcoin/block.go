package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/bardlex/ghostpool/internal/templates"
)

// maxHash is returned for nonces the header cannot carry; it exceeds every
// possible target.
var maxHash = new(big.Int).Lsh(big.NewInt(1), 256)

// diff1Target is the difficulty 1 target 0x00000000FFFF0000...0000
var diff1Target = new(big.Int).Lsh(big.NewInt(0xFFFF), 208)

// ShareTarget converts a share difficulty into the hash threshold a share
// must not exceed. Non-positive difficulties map to the difficulty 1 target.
func ShareTarget(difficulty decimal.Decimal) *big.Int {
	if !difficulty.IsPositive() {
		return new(big.Int).Set(diff1Target)
	}
	return decimal.NewFromBigInt(diff1Target, 0).Div(difficulty).BigInt()
}

// Block is a candidate block assembled from a node template
type Block struct {
	msg           *wire.MsgBlock
	height        int64
	coinbaseValue int64
}

// WithNonce returns a copy of the block carrying nonce. Transactions are
// shared with the original.
func (b *Block) WithNonce(nonce uint64) templates.Block {
	header := b.msg.Header
	header.Nonce = uint32(nonce)
	return &Block{
		msg:           &wire.MsgBlock{Header: header, Transactions: b.msg.Transactions},
		height:        b.height,
		coinbaseValue: b.coinbaseValue,
	}
}

// Hash returns the block hash in the usual byte-reversed hex form
func (b *Block) Hash() string {
	return b.msg.BlockHash().String()
}

// MsgBlock exposes the wire block for submission
func (b *Block) MsgBlock() *wire.MsgBlock {
	return b.msg
}

// Height returns the height the block was built for
func (b *Block) Height() int64 {
	return b.height
}

// CoinbaseValue returns the total value of the coinbase outputs
func (b *Block) CoinbaseValue() int64 {
	return b.coinbaseValue
}

// PoWState verifies nonces against one block header.
type PoWState struct {
	header    wire.BlockHeader
	prePoW    string
	timestamp uint64
	target    *big.Int
}

func newPoWState(header wire.BlockHeader) *PoWState {
	pre := header
	pre.Nonce = 0
	pre.Timestamp = time.Unix(0, 0)
	hash := pre.BlockHash()

	return &PoWState{
		header:    header,
		prePoW:    hex.EncodeToString(hash[:]),
		timestamp: uint64(header.Timestamp.Unix()),
		target:    blockchain.CompactToBig(header.Bits),
	}
}

// PrePoWHash identifies the header independently of nonce and timestamp
func (p *PoWState) PrePoWHash() string { return p.prePoW }

// Timestamp returns the header time in seconds
func (p *PoWState) Timestamp() uint64 { return p.timestamp }

// CheckWork hashes the header with nonce. It reports whether the hash meets
// the network target and returns the hash as an integer.
func (p *PoWState) CheckWork(nonce uint64) (bool, *big.Int) {
	if nonce > math.MaxUint32 {
		return false, new(big.Int).Set(maxHash)
	}

	header := p.header
	header.Nonce = uint32(nonce)
	hash := header.BlockHash()
	value := blockchain.HashToBig(&hash)

	return value.Cmp(p.target) <= 0, value
}

// buildTemplate assembles a candidate block from a getblocktemplate result.
// The coinbase pays the whole template value to payoutAddress and carries
// identity in its script.
func buildTemplate(gbt *btcjson.GetBlockTemplateResult, payoutAddress, identity string, params *chaincfg.Params) (*templates.Template, error) {
	if gbt.CoinbaseValue == nil {
		return nil, fmt.Errorf("template at height %d has no coinbase value", gbt.Height)
	}

	coinbase, err := createCoinbase(gbt, payoutAddress, identity, params)
	if err != nil {
		return nil, err
	}

	transactions := make([]*wire.MsgTx, 0, len(gbt.Transactions)+1)
	transactions = append(transactions, coinbase)
	for i, tx := range gbt.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: invalid hex: %w", i, err)
		}
		msgTx := &wire.MsgTx{}
		if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		transactions = append(transactions, msgTx)
	}

	txHashes := make([]chainhash.Hash, len(transactions))
	for i, tx := range transactions {
		txHashes[i] = tx.TxHash()
	}

	prevHash, err := chainhash.NewHashFromStr(gbt.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("invalid previous block hash: %w", err)
	}

	bits, err := strconv.ParseUint(gbt.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid bits %q: %w", gbt.Bits, err)
	}

	header := wire.BlockHeader{
		Version:    gbt.Version,
		PrevBlock:  *prevHash,
		MerkleRoot: CalculateMerkleRoot(txHashes),
		Timestamp:  time.Unix(gbt.CurTime, 0),
		Bits:       uint32(bits),
	}

	block := &Block{
		msg:           &wire.MsgBlock{Header: header, Transactions: transactions},
		height:        gbt.Height,
		coinbaseValue: *gbt.CoinbaseValue,
	}

	return &templates.Template{Block: block, PoW: newPoWState(header)}, nil
}

// createCoinbase builds a BIP 34 coinbase. When the template carries a
// witness commitment the coinbase gets the zero witness nonce and the
// commitment output.
func createCoinbase(gbt *btcjson.GetBlockTemplateResult, payoutAddress, identity string, params *chaincfg.Params) (*wire.MsgTx, error) {
	addr, err := btcutil.DecodeAddress(payoutAddress, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payout address: %w", err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("payout address %s is not for %s", payoutAddress, params.Name)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}

	sigScript, err := txscript.NewScriptBuilder().
		AddInt64(gbt.Height).
		AddData([]byte("/" + identity + "/")).
		Script()
	if err != nil {
		return nil, fmt.Errorf("failed to create coinbase script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  sigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: *gbt.CoinbaseValue, PkScript: pkScript})

	if gbt.DefaultWitnessCommitment != "" {
		commitment, err := hex.DecodeString(gbt.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("invalid witness commitment: %w", err)
		}
		tx.TxIn[0].Witness = wire.TxWitness{make([]byte, blockchain.CoinbaseWitnessDataLen)}
		tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: commitment})
	}

	return tx, nil
}

// CalculateMerkleRoot computes the merkle root of txHashes, duplicating the
// last hash on odd levels.
func CalculateMerkleRoot(txHashes []chainhash.Hash) chainhash.Hash {
	if len(txHashes) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(txHashes))
	copy(level, txHashes)

	var concat [chainhash.HashSize * 2]byte
	for len(level) > 1 {
		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}

			copy(concat[:chainhash.HashSize], left[:])
			copy(concat[chainhash.HashSize:], right[:])
			first := sha256.Sum256(concat[:])
			next = append(next, chainhash.Hash(sha256.Sum256(first[:])))
		}
		level = next
	}

	return level[0]
}
