package pool

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/ghostpool/internal/rewarding"
	"github.com/bardlex/ghostpool/internal/stratum"
	"github.com/bardlex/ghostpool/internal/templates"
	"github.com/bardlex/ghostpool/internal/treasury"
	"github.com/bardlex/ghostpool/pkg/log"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeBroadcaster struct {
	mu   sync.Mutex
	jobs []templates.Job
}

func (b *fakeBroadcaster) Announce(job templates.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, job)
}

func (b *fakeBroadcaster) Stats() stratum.Stats {
	return stratum.Stats{Subscribers: 3}
}

// fakeLedger resolves every payment request synchronously
type fakeLedger struct {
	mu           sync.Mutex
	blocks       map[string][]stratum.Contribution
	amounts      []int64
	contributors int
	payments     []rewarding.Payment
}

func (l *fakeLedger) RecordContributions(hash string, contributions []stratum.Contribution) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blocks == nil {
		l.blocks = make(map[string][]stratum.Contribution)
	}
	l.blocks[hash] = contributions
	return len(aggregate(contributions))
}

func (l *fakeLedger) RecordPayment(amount int64, callback rewarding.PaymentCallback) {
	l.mu.Lock()
	l.amounts = append(l.amounts, amount)
	contributors, payments := l.contributors, l.payments
	l.mu.Unlock()
	callback(contributors, payments)
}

type fakeTreasury struct {
	mu       sync.Mutex
	events   chan treasury.Event
	tracked  map[string]time.Time
	outputs  []treasury.Output
	failSend map[string]bool
}

func newFakeTreasury() *fakeTreasury {
	return &fakeTreasury{events: make(chan treasury.Event, 8), tracked: make(map[string]time.Time)}
}

func (t *fakeTreasury) Track(hash string, foundAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[hash] = foundAt
}

func (t *fakeTreasury) Events() <-chan treasury.Event { return t.events }

func (t *fakeTreasury) Send(_ context.Context, outputs []treasury.Output) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outputs = append(t.outputs, outputs...)

	hashes := make([]string, len(outputs))
	var err error
	for i, out := range outputs {
		if t.failSend[out.Address] {
			err = errors.New("insufficient funds")
			continue
		}
		hashes[i] = "tx-" + out.Address
	}
	return hashes, err
}

type fakeBalances struct {
	mu       sync.Mutex
	balances map[string]int64
	err      error
}

func (b *fakeBalances) AddBalance(_ context.Context, address string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	if b.balances == nil {
		b.balances = make(map[string]int64)
	}
	b.balances[address] += delta
	return b.balances[address], nil
}

type recordingSink struct {
	mu            sync.Mutex
	blocks        []BlockEvent
	jobs          []JobEvent
	distributions []DistributionEvent
	revenue       []RevenueEvent
	err           error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) BlockFound(_ context.Context, ev BlockEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, ev)
	return s.err
}

func (s *recordingSink) JobAnnounced(_ context.Context, ev JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, ev)
	return s.err
}

func (s *recordingSink) Distributed(_ context.Context, ev DistributionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distributions = append(s.distributions, ev)
	return s.err
}

func (s *recordingSink) RevenueCredited(_ context.Context, ev RevenueEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revenue = append(s.revenue, ev)
	return s.err
}

type harness struct {
	pool        *Pool
	broadcaster *fakeBroadcaster
	ledger      *fakeLedger
	treasury    *fakeTreasury
	balances    *fakeBalances
	sink        *recordingSink
}

func newHarness() *harness {
	h := &harness{
		broadcaster: &fakeBroadcaster{},
		ledger:      &fakeLedger{},
		treasury:    newFakeTreasury(),
		balances:    &fakeBalances{},
		sink:        &recordingSink{},
	}
	h.pool = New(Config{Port: 3333}, h.ledger, h.treasury, h.balances, log.Nop(), h.sink)
	h.pool.Attach(h.broadcaster)
	h.pool.now = func() time.Time { return testNow }
	return h
}

// run feeds events to the pool and returns once every event and queued
// sink write has been handled.
func (h *harness) run(t *testing.T, events ...treasury.Event) {
	t.Helper()
	for _, ev := range events {
		h.treasury.events <- ev
	}
	close(h.treasury.events)

	done := make(chan struct{})
	go func() {
		h.pool.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the event channel closed")
	}
}

func TestPool_OnBlock(t *testing.T) {
	h := newHarness()

	contributions := []stratum.Contribution{
		{Address: "addrA", Difficulty: decimal.NewFromInt(2)},
		{Address: "addrB", Difficulty: decimal.NewFromInt(1)},
		{Address: "addrA", Difficulty: decimal.NewFromInt(3)},
	}
	h.pool.OnBlock("00beef", contributions)
	h.run(t)

	if got := h.ledger.blocks["00beef"]; !reflect.DeepEqual(got, contributions) {
		t.Errorf("ledger contributions = %v", got)
	}
	if got, ok := h.treasury.tracked["00beef"]; !ok || !got.Equal(testNow) {
		t.Errorf("treasury tracked = %v, %v", got, ok)
	}

	if len(h.sink.blocks) != 1 {
		t.Fatalf("sink blocks = %d, want 1", len(h.sink.blocks))
	}
	ev := h.sink.blocks[0]
	if ev.Hash != "00beef" || !ev.FoundAt.Equal(testNow) {
		t.Errorf("block event = %+v", ev)
	}
	if !ev.Work["addrA"].Equal(decimal.NewFromInt(5)) || !ev.Work["addrB"].Equal(decimal.NewFromInt(1)) {
		t.Errorf("block work = %v", ev.Work)
	}
}

func TestPool_Announce(t *testing.T) {
	h := newHarness()

	job := templates.Job{ID: "ab12", Hash: "deadbeef", Timestamp: 1}
	h.pool.Announce(job)
	h.run(t)

	if !reflect.DeepEqual(h.broadcaster.jobs, []templates.Job{job}) {
		t.Errorf("announced = %v", h.broadcaster.jobs)
	}
	if len(h.sink.jobs) != 1 || h.sink.jobs[0].Subscribers != 3 || h.sink.jobs[0].Job != job {
		t.Errorf("sink jobs = %+v", h.sink.jobs)
	}
}

func TestPool_Coinbase(t *testing.T) {
	tests := []struct {
		name        string
		payments    []rewarding.Payment
		failSend    map[string]bool
		wantOutputs []treasury.Output
		wantPayouts []Payout
	}{
		{
			name:     "payments sent",
			payments: []rewarding.Payment{{Address: "addrA", Amount: 600}, {Address: "addrB", Amount: 400}},
			wantOutputs: []treasury.Output{
				{Address: "addrA", Amount: 600},
				{Address: "addrB", Amount: 400},
			},
			wantPayouts: []Payout{
				{Address: "addrA", Amount: 600, TxID: "tx-addrA"},
				{Address: "addrB", Amount: 400, TxID: "tx-addrB"},
			},
		},
		{
			name:     "failed send keeps its payout without tx",
			payments: []rewarding.Payment{{Address: "addrA", Amount: 600}, {Address: "addrB", Amount: 400}},
			failSend: map[string]bool{"addrA": true},
			wantOutputs: []treasury.Output{
				{Address: "addrA", Amount: 600},
				{Address: "addrB", Amount: 400},
			},
			wantPayouts: []Payout{
				{Address: "addrA", Amount: 600},
				{Address: "addrB", Amount: 400, TxID: "tx-addrB"},
			},
		},
		{
			name:     "no payments",
			payments: []rewarding.Payment{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.ledger.contributors = 2
			h.ledger.payments = tt.payments
			h.treasury.failSend = tt.failSend

			h.run(t, treasury.Event{Kind: treasury.Coinbase, Amount: 1000, BlockHash: "00beef"})

			if !reflect.DeepEqual(h.ledger.amounts, []int64{1000}) {
				t.Errorf("payment requests = %v", h.ledger.amounts)
			}
			if !reflect.DeepEqual(h.treasury.outputs, tt.wantOutputs) {
				t.Errorf("outputs = %v, want %v", h.treasury.outputs, tt.wantOutputs)
			}

			if len(h.sink.distributions) != 1 {
				t.Fatalf("distributions = %d, want 1", len(h.sink.distributions))
			}
			ev := h.sink.distributions[0]
			if ev.Amount != 1000 || ev.Contributors != 2 {
				t.Errorf("distribution = %+v", ev)
			}
			if !reflect.DeepEqual(ev.Payouts, tt.wantPayouts) {
				t.Errorf("payouts = %v, want %v", ev.Payouts, tt.wantPayouts)
			}
		})
	}
}

func TestPool_Revenue(t *testing.T) {
	h := newHarness()

	h.run(t,
		treasury.Event{Kind: treasury.Revenue, Amount: 10, BlockHash: "b1"},
		treasury.Event{Kind: treasury.Revenue, Amount: 15, BlockHash: "b2"},
	)

	if got := h.balances.balances[RevenueAccount]; got != 25 {
		t.Errorf("revenue balance = %d, want 25", got)
	}
	if len(h.sink.revenue) != 2 || h.sink.revenue[1].BlockHash != "b2" || h.sink.revenue[1].Amount != 15 {
		t.Errorf("sink revenue = %+v", h.sink.revenue)
	}
}

func TestPool_RevenueCreditFailure(t *testing.T) {
	h := newHarness()
	h.balances.err = errors.New("store closed")

	h.run(t, treasury.Event{Kind: treasury.Revenue, Amount: 10, BlockHash: "b1"})

	if len(h.sink.revenue) != 0 {
		t.Errorf("uncredited revenue should not reach sinks, got %+v", h.sink.revenue)
	}
}

func TestPool_SinkErrorsAreNotFatal(t *testing.T) {
	h := newHarness()
	h.sink.err = errors.New("sink down")

	h.pool.OnBlock("b1", []stratum.Contribution{{Address: "addrA", Difficulty: decimal.NewFromInt(1)}})
	h.run(t, treasury.Event{Kind: treasury.Revenue, Amount: 1, BlockHash: "b1"})

	if len(h.sink.blocks) != 1 || len(h.sink.revenue) != 1 {
		t.Errorf("sink calls = %d blocks, %d revenue", len(h.sink.blocks), len(h.sink.revenue))
	}
	if h.balances.balances[RevenueAccount] != 1 {
		t.Error("revenue should be credited regardless of sink errors")
	}
}

func TestPool_RunStopsOnCancel(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.pool.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPool_DispatchWithoutSinks(t *testing.T) {
	p := New(Config{}, &fakeLedger{}, newFakeTreasury(), &fakeBalances{}, log.Nop())
	p.Attach(&fakeBroadcaster{})

	p.OnBlock("b1", nil)
	p.Announce(templates.Job{ID: "j"})
	if len(p.queue) != 0 {
		t.Errorf("queue = %d, want 0 without sinks", len(p.queue))
	}
}

func TestPool_DispatchDropsWhenFull(t *testing.T) {
	h := newHarness()
	for range sinkQueueSize + 10 {
		h.pool.dispatch("test", func(context.Context, Sink) error { return nil })
	}
	if len(h.pool.queue) != sinkQueueSize {
		t.Errorf("queue = %d, want %d", len(h.pool.queue), sinkQueueSize)
	}
}
