package syncer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"crowdfund/internal/campaign"
	"crowdfund/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var addrA = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type scriptedLister struct {
	mu       sync.Mutex
	listings []*campaign.Listing
	errs     []error
	calls    int
	called   chan struct{}
	gate     chan struct{}
}

func (l *scriptedLister) List(context.Context) (*campaign.Listing, error) {
	l.mu.Lock()
	idx := l.calls
	l.calls++
	var (
		listing *campaign.Listing
		err     error
	)
	if idx < len(l.errs) {
		err = l.errs[idx]
	}
	if err == nil {
		if idx >= len(l.listings) {
			idx = len(l.listings) - 1
		}
		listing = l.listings[idx]
	}
	l.mu.Unlock()
	if l.called != nil {
		l.called <- struct{}{}
	}
	if idx == 0 && l.gate != nil {
		<-l.gate
	}
	return listing, err
}

type fakeHeads struct {
	mu   sync.Mutex
	head uint64
}

func (h *fakeHeads) BlockNumber(context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head, nil
}

func (h *fakeHeads) set(n uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.head = n
}

func listingAt(block uint64, withdrawn bool, total int64) *campaign.Listing {
	return &campaign.Listing{
		Block:     block,
		Addresses: []common.Address{addrA},
		Campaigns: []*campaign.Campaign{{
			Address:          addrA,
			Goal:             big.NewInt(100),
			TotalContributed: big.NewInt(total),
			Withdrawn:        withdrawn,
			Block:            block,
		}},
	}
}

type syncMetrics struct {
	mu      sync.Mutex
	results []string
	block   uint64
}

func (m *syncMetrics) ObserveSync(result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

func (m *syncMetrics) SetSnapshot(block, _ uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = block
}

func TestSyncPublishesSnapshot(t *testing.T) {
	st := state.NewStore(nil)
	st.Refresh()
	metrics := &syncMetrics{}
	s := New(&scriptedLister{listings: []*campaign.Listing{listingAt(10, false, 40)}}, &fakeHeads{}, st, Config{Metrics: metrics})

	if s.Snapshot() != nil {
		t.Fatalf("expected no snapshot before first sync")
	}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	snap := s.Snapshot()
	if snap == nil || snap.Block != 10 || snap.Token != 1 || len(snap.Campaigns) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if metrics.block != 10 || metrics.results[0] != "ok" {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestSyncDiscardsOlderBlock(t *testing.T) {
	lister := &scriptedLister{listings: []*campaign.Listing{listingAt(20, false, 80), listingAt(18, false, 40)}}
	s := New(lister, &fakeHeads{}, state.NewStore(nil), Config{})

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := s.Sync(context.Background()); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	snap := s.Snapshot()
	if snap.Block != 20 || snap.Campaigns[0].TotalContributed.Int64() != 80 {
		t.Fatalf("snapshot must not regress, got block %d", snap.Block)
	}
}

func TestSyncKeepsWithdrawnFlag(t *testing.T) {
	lister := &scriptedLister{listings: []*campaign.Listing{listingAt(30, true, 100), listingAt(31, false, 100)}}
	s := New(lister, &fakeHeads{}, state.NewStore(nil), Config{})

	_ = s.Sync(context.Background())
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	snap := s.Snapshot()
	if snap.Block != 31 || !snap.Campaigns[0].Withdrawn {
		t.Fatalf("withdrawn must stay true, got %+v", snap.Campaigns[0])
	}
	if lister.listings[1].Campaigns[0].Withdrawn {
		t.Fatalf("reconcile must not mutate the reader's value")
	}
}

func TestFailedSyncKeepsPreviousSnapshot(t *testing.T) {
	boom := errors.New("rpc unavailable")
	lister := &scriptedLister{
		listings: []*campaign.Listing{listingAt(5, false, 1)},
		errs:     []error{nil, boom},
	}
	s := New(lister, &fakeHeads{}, state.NewStore(nil), Config{})

	_ = s.Sync(context.Background())
	if err := s.Sync(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if !errors.Is(s.LastError(), boom) {
		t.Fatalf("expected last error recorded")
	}
	if s.Snapshot() == nil || s.Snapshot().Block != 5 {
		t.Fatalf("previous snapshot must survive a failed sync")
	}
}

func waitCall(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sync")
	}
}

func TestRunFollowsRefreshAndHeads(t *testing.T) {
	st := state.NewStore(nil)
	heads := &fakeHeads{head: 1}
	lister := &scriptedLister{
		listings: []*campaign.Listing{listingAt(1, false, 0), listingAt(2, false, 10), listingAt(3, false, 20), listingAt(4, false, 30)},
		called:   make(chan struct{}, 8),
	}
	s := New(lister, heads, st, Config{HeadPollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitCall(t, lister.called) // initial sync

	st.Refresh()
	waitCall(t, lister.called)

	heads.set(3)
	waitCall(t, lister.called)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if snap := s.Snapshot(); snap == nil || snap.Block < 3 {
		t.Fatalf("expected snapshot to advance, got %+v", snap)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	s := New(&scriptedLister{listings: []*campaign.Listing{listingAt(1, false, 0)}}, &fakeHeads{}, state.NewStore(nil), Config{})
	s.Trigger()
	s.Trigger()
	s.Trigger()
	if len(s.trigger) != 1 {
		t.Fatalf("expected a single pending trigger, got %d", len(s.trigger))
	}
}

func TestRunCoalescesRequestsDuringSync(t *testing.T) {
	st := state.NewStore(nil)
	heads := &fakeHeads{head: 1}
	lister := &scriptedLister{
		listings: []*campaign.Listing{listingAt(1, false, 0), listingAt(2, false, 10)},
		called:   make(chan struct{}, 8),
		gate:     make(chan struct{}),
	}
	s := New(lister, heads, st, Config{HeadPollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitCall(t, lister.called)
	// the initial sync is still running while all three sources fire
	st.Refresh()
	s.Trigger()
	heads.set(2)
	time.Sleep(30 * time.Millisecond)
	close(lister.gate)

	waitCall(t, lister.called)
	select {
	case <-lister.called:
		t.Fatalf("expected one follow-up sync, got another")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	<-done
	if snap := s.Snapshot(); snap == nil || snap.Block != 2 || snap.Token != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
