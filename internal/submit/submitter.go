package submit

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"crowdfund/internal/chain"
	"crowdfund/internal/contracts"
	"crowdfund/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Action string

const (
	ActionCreate     Action = "create"
	ActionContribute Action = "contribute"
	ActionWithdraw   Action = "withdraw"
	ActionRefund     Action = "refund"
)

// Chain is the write side of the chain client.
type Chain interface {
	Transact(ctx context.Context, session *wallet.Session, req chain.TxRequest) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// State supplies the wallet session and receives the refresh signal.
type State interface {
	Session() (*wallet.Session, bool)
	Refresh() uint64
}

type Metrics interface {
	ObserveTx(action, result string, elapsed time.Duration)
}

type Config struct {
	Factory common.Address
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics Metrics
}

type CreateRequest struct {
	MetaURI  string
	Goal     *big.Int
	Deadline time.Time
}

// Receipt describes a confirmed write. Campaign is the created campaign for
// ActionCreate and the target campaign otherwise.
type Receipt struct {
	Action   Action
	Campaign common.Address
	From     common.Address
	TxHash   common.Hash
	Block    uint64
	GasUsed  uint64
	Token    uint64
}

// Submitter runs every write through validate, submit, wait for inclusion,
// refresh. Writes against one target are never overlapped by this client and
// nothing is retried.
type Submitter struct {
	chain   Chain
	state   State
	factory common.Address
	now     func() time.Time
	logger  *slog.Logger
	metrics Metrics

	mu       sync.Mutex
	inflight map[common.Address]struct{}
}

func New(c Chain, st State, cfg Config) *Submitter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		chain:    c,
		state:    st,
		factory:  cfg.Factory,
		now:      now,
		logger:   logger,
		metrics:  cfg.Metrics,
		inflight: make(map[common.Address]struct{}),
	}
}

func (s *Submitter) CreateCampaign(ctx context.Context, req CreateRequest) (*Receipt, error) {
	var verr error
	switch {
	case strings.TrimSpace(req.MetaURI) == "":
		verr = ErrInvalidMetaURI
	case req.Goal == nil || req.Goal.Sign() <= 0:
		verr = ErrInvalidAmount
	case !req.Deadline.After(s.now()):
		verr = ErrInvalidDeadline
	}
	tx := chain.TxRequest{
		To:     s.factory,
		ABI:    contracts.Factory(),
		Method: contracts.MethodCreateCampaign,
		Args:   []any{strings.TrimSpace(req.MetaURI), req.Goal, big.NewInt(req.Deadline.Unix())},
	}
	return s.run(ctx, ActionCreate, s.factory, tx, verr)
}

func (s *Submitter) Contribute(ctx context.Context, campaign common.Address, amount *big.Int) (*Receipt, error) {
	var verr error
	switch {
	case campaign == (common.Address{}):
		verr = ErrInvalidAddress
	case amount == nil || amount.Sign() <= 0:
		verr = ErrInvalidAmount
	}
	return s.run(ctx, ActionContribute, campaign, chain.TxRequest{
		To:     campaign,
		ABI:    contracts.Campaign(),
		Method: contracts.MethodContribute,
		Value:  amount,
	}, verr)
}

func (s *Submitter) Withdraw(ctx context.Context, campaign common.Address) (*Receipt, error) {
	return s.campaignCall(ctx, ActionWithdraw, contracts.MethodWithdraw, campaign)
}

func (s *Submitter) Refund(ctx context.Context, campaign common.Address) (*Receipt, error) {
	return s.campaignCall(ctx, ActionRefund, contracts.MethodRefund, campaign)
}

func (s *Submitter) campaignCall(ctx context.Context, action Action, method string, campaign common.Address) (*Receipt, error) {
	var verr error
	if campaign == (common.Address{}) {
		verr = ErrInvalidAddress
	}
	return s.run(ctx, action, campaign, chain.TxRequest{
		To:     campaign,
		ABI:    contracts.Campaign(),
		Method: method,
	}, verr)
}

func (s *Submitter) run(ctx context.Context, action Action, target common.Address, req chain.TxRequest, verr error) (*Receipt, error) {
	start := time.Now()

	session, ok := s.state.Session()
	if !ok {
		return nil, s.fail(start, failure(action, KindConnectivity, ErrWalletNotConnected))
	}
	if verr != nil {
		return nil, s.fail(start, failure(action, KindValidation, verr))
	}

	if !s.acquire(target) {
		return nil, s.fail(start, failure(action, KindBusy, ErrInFlight))
	}
	defer s.release(target)

	tx, err := s.chain.Transact(ctx, session, req)
	if err != nil {
		kind := KindTransaction
		if errors.Is(err, chain.ErrNoWallet) {
			kind = KindConnectivity
		}
		return nil, s.fail(start, failure(action, kind, err))
	}

	mined, err := s.chain.WaitMined(ctx, tx)
	if err != nil {
		fe := failure(action, KindTransaction, err)
		fe.TxHash = tx.Hash()
		return nil, s.fail(start, fe)
	}

	receipt := &Receipt{
		Action:   action,
		Campaign: target,
		From:     session.Address(),
		TxHash:   tx.Hash(),
		Block:    mined.BlockNumber.Uint64(),
		GasUsed:  mined.GasUsed,
	}
	if action == ActionCreate {
		receipt.Campaign = s.createdCampaign(mined)
	}
	receipt.Token = s.state.Refresh()

	s.logger.Info("transaction confirmed",
		"action", action,
		"campaign", receipt.Campaign.Hex(),
		"tx", receipt.TxHash.Hex(),
		"block", receipt.Block,
	)
	s.observe(action, "confirmed", start)
	return receipt, nil
}

// createdCampaign finds the campaign address in the factory's CampaignCreated
// log. The zero address means the log was missing.
func (s *Submitter) createdCampaign(receipt *types.Receipt) common.Address {
	event := contracts.Factory().Events[contracts.EventCampaignCreated]
	for _, l := range receipt.Logs {
		if l == nil || l.Address != s.factory || len(l.Topics) < 2 {
			continue
		}
		if l.Topics[0] != event.ID {
			continue
		}
		return common.BytesToAddress(l.Topics[1].Bytes())
	}
	s.logger.Warn("campaign created without CampaignCreated log", "tx", receipt.TxHash.Hex())
	return common.Address{}
}

func (s *Submitter) acquire(target common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[target]; busy {
		return false
	}
	s.inflight[target] = struct{}{}
	return true
}

func (s *Submitter) release(target common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, target)
}

func (s *Submitter) fail(start time.Time, err *Error) *Error {
	s.logger.Warn("transaction failed",
		"action", err.Action,
		"kind", err.Kind,
		"reason", err.Reason,
		"tx", txHex(err.TxHash),
	)
	result := "failed"
	switch err.Kind {
	case KindValidation, KindConnectivity:
		result = "rejected"
	case KindBusy:
		result = "busy"
	}
	s.observe(err.Action, result, start)
	return err
}

func (s *Submitter) observe(action Action, result string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveTx(string(action), result, time.Since(start))
	}
}

func txHex(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
