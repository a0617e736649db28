package state

import (
	"sync"

	"crowdfund/internal/chain"
	"crowdfund/internal/wallet"
)

// Store is the view state shared by the reader, submitter and API: the
// connected wallet, the factory contract handle and the refresh token.
type Store struct {
	mu      sync.RWMutex
	session *wallet.Session
	factory *chain.Contract
	token   uint64
	subs    map[int]chan uint64
	nextSub int
}

func NewStore(factory *chain.Contract) *Store {
	return &Store{
		factory: factory,
		subs:    make(map[int]chan uint64),
	}
}

func (s *Store) Factory() *chain.Contract {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.factory
}

// Session returns the connected wallet, if any.
func (s *Store) Session() (*wallet.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.session != nil
}

// Connect replaces the current wallet session and signals a refresh.
func (s *Store) Connect(session *wallet.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.bumpLocked()
}

// Disconnect drops the wallet session. It reports whether one was connected.
func (s *Store) Disconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return false
	}
	s.session = nil
	s.bumpLocked()
	return true
}

// Token is the current refresh generation.
func (s *Store) Token() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Refresh advances the refresh token and wakes every subscriber.
func (s *Store) Refresh() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bumpLocked()
}

// Subscribe returns a channel carrying refresh tokens. Pending signals are
// coalesced: a slow reader only ever sees the latest token.
func (s *Store) Subscribe() (<-chan uint64, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan uint64, 1)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Store) bumpLocked() uint64 {
	s.token++
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.token
	}
	return s.token
}
