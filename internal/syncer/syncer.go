package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crowdfund/internal/campaign"

	"github.com/ethereum/go-ethereum/common"
)

// ErrStale is returned by Sync when the node answered from an older block than
// the published snapshot.
var ErrStale = errors.New("read is older than current snapshot")

type Lister interface {
	List(ctx context.Context) (*campaign.Listing, error)
}

type Heads interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Signals is the refresh token source, normally *state.Store.
type Signals interface {
	Subscribe() (<-chan uint64, func())
	Token() uint64
}

type Metrics interface {
	ObserveSync(result string, elapsed time.Duration)
	SetSnapshot(block, token uint64)
}

// Snapshot is an immutable view of every campaign at one block.
// Campaigns is index-aligned with Addresses; nil entries failed to load.
type Snapshot struct {
	Addresses []common.Address
	Campaigns []*campaign.Campaign
	Block     uint64
	Token     uint64
	Failed    int
	SyncedAt  time.Time
}

type Config struct {
	HeadPollInterval time.Duration
	Interval         time.Duration
	Timeout          time.Duration
	Logger           *slog.Logger
	Metrics          Metrics
}

// Syncer keeps a snapshot of campaign state current. It re-reads on refresh
// signals, on new block heads and on an optional interval, and never lets the
// published snapshot move back to an older block.
type Syncer struct {
	lister  Lister
	heads   Heads
	signals Signals
	cfg     Config
	logger  *slog.Logger

	syncMu   sync.Mutex
	mu       sync.RWMutex
	snap     *Snapshot
	lastErr  error
	lastHead uint64
	trigger  chan struct{}
}

func New(lister Lister, heads Heads, signals Signals, cfg Config) *Syncer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		lister:  lister,
		heads:   heads,
		signals: signals,
		cfg:     cfg,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

// Snapshot returns the latest published snapshot, nil before the first sync.
func (s *Syncer) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// LastError is the error of the most recent sync attempt, nil if it succeeded.
func (s *Syncer) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Trigger asks Run for a sync. Calls made while one is pending coalesce.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Sync reads every campaign once and publishes the result.
func (s *Syncer) Sync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	start := time.Now()
	token := s.signals.Token()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	listing, err := s.lister.List(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.observe("failed", start)
		s.logger.Warn("campaign sync failed", "token", token, "error", err)
		return fmt.Errorf("sync: %w", err)
	}

	s.mu.Lock()
	prev := s.snap
	if prev != nil && listing.Block < prev.Block {
		s.mu.Unlock()
		s.observe("stale", start)
		s.logger.Info("discarding stale campaign read", "read_block", listing.Block, "snapshot_block", prev.Block)
		return ErrStale
	}
	next := &Snapshot{
		Addresses: listing.Addresses,
		Campaigns: s.reconcile(prev, listing.Campaigns),
		Block:     listing.Block,
		Token:     token,
		Failed:    listing.Failed,
		SyncedAt:  time.Now().UTC(),
	}
	s.snap = next
	s.lastErr = nil
	if next.Block > s.lastHead {
		s.lastHead = next.Block
	}
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetSnapshot(next.Block, next.Token)
	}
	s.observe("ok", start)
	s.logger.Debug("campaign sync complete",
		"block", next.Block,
		"token", next.Token,
		"campaigns", len(next.Campaigns),
		"failed", next.Failed,
	)
	return nil
}

// Run syncs once, then on every refresh signal, head change, interval tick or
// Trigger until ctx is done. Signals that arrive during a sync produce a
// single follow-up sync.
func (s *Syncer) Run(ctx context.Context) error {
	signals, unsubscribe := s.signals.Subscribe()
	defer unsubscribe()

	var headC, intervalC <-chan time.Time
	if s.cfg.HeadPollInterval > 0 {
		t := time.NewTicker(s.cfg.HeadPollInterval)
		defer t.Stop()
		headC = t.C
	}
	if s.cfg.Interval > 0 {
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		intervalC = t.C
	}

	_ = s.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-signals:
		case <-s.trigger:
		case <-intervalC:
		case <-headC:
			if !s.headChanged(ctx) {
				continue
			}
		}
		s.drain(signals, intervalC, headC)
		_ = s.Sync(ctx)
	}
}

// drain discards every request already pending so they are all served by the
// next sync.
func (s *Syncer) drain(signals <-chan uint64, intervalC, headC <-chan time.Time) {
	for {
		select {
		case <-signals:
		case <-s.trigger:
		case <-intervalC:
		case <-headC:
		default:
			return
		}
	}
}

func (s *Syncer) headChanged(ctx context.Context) bool {
	head, err := s.heads.BlockNumber(ctx)
	if err != nil {
		s.logger.Debug("head poll failed", "error", err)
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if head == s.lastHead {
		return false
	}
	s.lastHead = head
	return true
}

// reconcile applies the one-way invariants to a fresh read: a campaign that
// was seen withdrawn stays withdrawn.
func (s *Syncer) reconcile(prev *Snapshot, next []*campaign.Campaign) []*campaign.Campaign {
	if prev == nil {
		return next
	}
	seen := make(map[common.Address]*campaign.Campaign, len(prev.Campaigns))
	for _, c := range prev.Campaigns {
		if c != nil {
			seen[c.Address] = c
		}
	}
	out := make([]*campaign.Campaign, len(next))
	for i, c := range next {
		out[i] = c
		if c == nil {
			continue
		}
		old, ok := seen[c.Address]
		if !ok {
			continue
		}
		if old.Withdrawn && !c.Withdrawn {
			s.logger.Warn("campaign withdrawn flag regressed, keeping previous value",
				"campaign", c.Address.Hex(),
				"previous_block", old.Block,
				"block", c.Block,
			)
			fixed := *c
			fixed.Withdrawn = true
			out[i] = &fixed
		}
	}
	return out
}

func (s *Syncer) observe(result string, start time.Time) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveSync(result, time.Since(start))
	}
}
