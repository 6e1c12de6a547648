package stratum

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bardlex/ghostpool/internal/metrics"
	"github.com/bardlex/ghostpool/internal/templates"
	"github.com/bardlex/ghostpool/pkg/log"
)

// JobSource resolves job ids and submits solved blocks
type JobSource interface {
	ResolveJob(id string) (string, bool)
	ResolvePoW(hash string) (templates.PoW, bool)
	SubmitBlock(ctx context.Context, hash string, nonce uint64) (string, error)
}

// AddressValidator checks that a payout address is usable on the chain
type AddressValidator interface {
	ValidateAddress(address string) error
}

// TargetFunc converts a share difficulty to the hash threshold it implies
type TargetFunc func(difficulty decimal.Decimal) *big.Int

// Contribution is the work credited for one accepted share
type Contribution struct {
	Address    string
	Difficulty decimal.Decimal
}

// Observer receives pool events. Calls from one Stratum are never
// concurrent for the same event kind and keep emission order.
type Observer interface {
	OnSubscription(remoteAddr, agent string)
	OnBlock(hash string, contributions []Contribution)
}

// Stats is a point in time view of the share table and subscribers
type Stats struct {
	Subscribers   int
	Miners        int
	Contributions int
}

// Stratum validates shares and tracks subscribers across sessions
type Stratum struct {
	jobs      JobSource
	addresses AddressValidator
	target    TargetFunc
	observer  Observer
	logger    *log.Logger

	mu            sync.Mutex
	contributions map[uint64]Contribution
	inflight      map[uint64]struct{}
	subscribers   map[*Session]struct{}
	miners        map[string]map[*Session]struct{}

	subMu   sync.Mutex
	blockMu sync.Mutex
}

// New creates the share validation core
func New(jobs JobSource, addresses AddressValidator, target TargetFunc, observer Observer, logger *log.Logger) *Stratum {
	return &Stratum{
		jobs:          jobs,
		addresses:     addresses,
		target:        target,
		observer:      observer,
		logger:        logger.WithComponent("stratum"),
		contributions: make(map[uint64]Contribution),
		inflight:      make(map[uint64]struct{}),
		subscribers:   make(map[*Session]struct{}),
		miners:        make(map[string]map[*Session]struct{}),
	}
}

// Subscribe adds the session to the job broadcast
func (st *Stratum) Subscribe(s *Session, agent string) error {
	st.subMu.Lock()
	defer st.subMu.Unlock()

	st.mu.Lock()
	if _, ok := st.subscribers[s]; ok {
		st.mu.Unlock()
		return ErrAlreadySubscribed
	}
	st.subscribers[s] = struct{}{}
	metrics.Subscribers.Set(float64(len(st.subscribers)))
	st.mu.Unlock()

	s.setSubscribed()
	if st.observer != nil {
		st.observer.OnSubscription(s.RemoteAddr(), agent)
	}
	return nil
}

// Authorize registers identity ("address.worker") on the session and
// pushes a fresh extra nonce and the session difficulty.
func (st *Stratum) Authorize(s *Session, identity string) error {
	address, name := splitIdentity(identity)
	if err := st.addresses.ValidateAddress(address); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}

	st.mu.Lock()
	s.addWorker(Worker{Address: address, Name: name})
	sessions, ok := st.miners[address]
	if !ok {
		sessions = make(map[*Session]struct{})
		st.miners[address] = sessions
	}
	sessions[s] = struct{}{}
	st.mu.Unlock()

	extraNonce, err := newExtraNonce()
	if err != nil {
		return err
	}
	if err := s.Send(NewEvent(MethodSetExtranonce, extraNonce)); err != nil {
		return err
	}
	return s.Send(NewEvent(MethodSetDifficulty, s.Difficulty().InexactFloat64()))
}

// Submit validates a share. A share that solves a block is submitted to
// the node and the drained contribution table is handed to the observer.
func (st *Stratum) Submit(ctx context.Context, s *Session, identity, jobID, nonceHex string) error {
	address, worker := splitIdentity(identity)
	logger := s.logger.WithMiner(address, worker)

	if !s.IsSubscribed() {
		return ErrNotSubscribed
	}
	if !s.HasAddress(address) {
		return ErrUnauthorizedWorker
	}

	hash, ok := st.jobs.ResolveJob(jobID)
	if !ok {
		return ErrJobNotFound
	}
	pow, ok := st.jobs.ResolvePoW(hash)
	if !ok {
		return ErrJobNotFound
	}

	nonce, err := parseNonce(nonceHex)
	if err != nil {
		return err
	}

	difficulty := s.Difficulty()
	contribution := Contribution{Address: address, Difficulty: difficulty}

	st.mu.Lock()
	if st.seen(nonce) {
		st.mu.Unlock()
		return ErrDuplicateShare
	}

	isBlock, achieved := pow.CheckWork(nonce)
	if achieved.Cmp(st.target(difficulty)) > 0 {
		st.mu.Unlock()
		return ErrLowDifficultyShare
	}

	if !isBlock {
		st.contributions[nonce] = contribution
		metrics.PendingContributions.Set(float64(len(st.contributions)))
		st.mu.Unlock()
		logger.LogShareSubmission(address, jobID, difficulty.String(), "accepted")
		return nil
	}
	st.inflight[nonce] = struct{}{}
	st.mu.Unlock()

	blockHash, err := st.jobs.SubmitBlock(ctx, hash, nonce)
	if err != nil {
		st.mu.Lock()
		delete(st.inflight, nonce)
		st.mu.Unlock()
		if errors.Is(err, templates.ErrJobNotFound) {
			return ErrJobNotFound
		}
		logger.WithError(err).Error("block submission failed", "job_id", jobID)
		return err
	}

	st.blockMu.Lock()
	defer st.blockMu.Unlock()

	st.mu.Lock()
	delete(st.inflight, nonce)
	drained := st.drainLocked()
	st.mu.Unlock()

	drained = append(drained, contribution)
	logger.LogBlockFound(blockHash, len(drained))
	if st.observer != nil {
		st.observer.OnBlock(blockHash, drained)
	}
	return nil
}

func (st *Stratum) seen(nonce uint64) bool {
	if _, ok := st.contributions[nonce]; ok {
		return true
	}
	_, ok := st.inflight[nonce]
	return ok
}

// Dump empties the contribution table and returns what it held
func (st *Stratum) Dump() []Contribution {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.drainLocked()
}

func (st *Stratum) drainLocked() []Contribution {
	contributions := make([]Contribution, 0, len(st.contributions))
	for _, c := range st.contributions {
		contributions = append(contributions, c)
	}
	clear(st.contributions)
	metrics.PendingContributions.Set(0)
	return contributions
}

// Announce sends a job to every subscriber. Subscribers that can no
// longer be written to are dropped from every index.
func (st *Stratum) Announce(job templates.Job) {
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], job.Timestamp)
	data, err := encodeLine(NewEvent(MethodNotify, job.ID, job.Hash+hex.EncodeToString(ts[:])))
	if err != nil {
		st.logger.WithError(err).Error("failed to encode job")
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	pruned := 0
	for s := range st.subscribers {
		if err := s.SendRaw(data); err != nil {
			st.removeLocked(s)
			pruned++
		}
	}

	metrics.JobsAnnounced.Inc()
	metrics.Subscribers.Set(float64(len(st.subscribers)))
	st.logger.LogJobDistribution(job.ID, job.Hash, len(st.subscribers), pruned)
}

// Remove forgets a session that has disconnected
func (st *Stratum) Remove(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.removeLocked(s)
	metrics.Subscribers.Set(float64(len(st.subscribers)))
}

func (st *Stratum) removeLocked(s *Session) {
	for _, w := range s.Workers() {
		sessions, ok := st.miners[w.Address]
		if !ok {
			continue
		}
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(st.miners, w.Address)
		}
	}
	delete(st.subscribers, s)
}

// Stats returns current counts
func (st *Stratum) Stats() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Stats{
		Subscribers:   len(st.subscribers),
		Miners:        len(st.miners),
		Contributions: len(st.contributions),
	}
}

func splitIdentity(identity string) (address, worker string) {
	address, worker, _ = strings.Cut(identity, ".")
	return address, worker
}

func parseNonce(nonceHex string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(nonceHex, "0x"), "0X")
	nonce, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNonce, nonceHex)
	}
	return nonce, nil
}

func newExtraNonce() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate extra nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
