package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"crowdfund/internal/chain"
	"crowdfund/internal/contracts"
	"crowdfund/internal/metadata"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidAddress = errors.New("invalid campaign address")

// Caller is the read side of the chain client.
type Caller interface {
	Call(ctx context.Context, opts chain.CallOpts, address common.Address, parsed abi.ABI, method string, args ...any) ([]any, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type MetadataFetcher interface {
	Fetch(ctx context.Context, uri string) (*metadata.Document, error)
}

type Config struct {
	Factory     common.Address
	Concurrency int
	Metadata    MetadataFetcher
	Logger      *slog.Logger
}

// Reader fetches campaign state. Every scalar of one campaign is read at the
// same block so a projection never mixes two chain states.
type Reader struct {
	caller      Caller
	factory     common.Address
	concurrency int
	meta        MetadataFetcher
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Listing is the result of reading every campaign the factory knows about.
// Campaigns is index-aligned with Addresses; a nil entry failed to load.
type Listing struct {
	Block     uint64
	Addresses []common.Address
	Campaigns []*Campaign
	Failed    int
}

func NewReader(caller Caller, cfg Config) *Reader {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		caller:      caller,
		factory:     cfg.Factory,
		concurrency: concurrency,
		meta:        cfg.Metadata,
		logger:      logger,
		tracer:      otel.Tracer("crowdfund/campaign"),
	}
}

// List reads all campaigns pinned to the current head. A campaign that fails
// to load becomes a nil entry; only failures of the head or the address list
// abort the call.
func (r *Reader) List(ctx context.Context) (*Listing, error) {
	ctx, span := r.tracer.Start(ctx, "campaign.list")
	defer span.End()

	head, err := r.caller.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	block := new(big.Int).SetUint64(head)

	addrs, err := r.Addresses(ctx, block)
	if err != nil {
		return nil, err
	}

	listing := &Listing{
		Block:     head,
		Addresses: addrs,
		Campaigns: make([]*Campaign, len(addrs)),
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	failed := make([]bool, len(addrs))
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			c, err := r.getAt(ctx, addr, block)
			if err != nil {
				r.logger.Warn("campaign read failed", "campaign", addr.Hex(), "block", head, "error", err)
				failed[i] = true
				return nil
			}
			listing.Campaigns[i] = c
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, f := range failed {
		if f {
			listing.Failed++
		}
	}
	span.SetAttributes(
		attribute.Int("campaigns", len(addrs)),
		attribute.Int("failed", listing.Failed),
		attribute.Int64("block", int64(head)),
	)
	return listing, nil
}

// Addresses returns the factory's campaign list at block (nil for latest).
func (r *Reader) Addresses(ctx context.Context, block *big.Int) ([]common.Address, error) {
	out, err := r.caller.Call(ctx, chain.CallOpts{BlockNumber: block}, r.factory, contracts.Factory(), contracts.MethodAllCampaigns)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("list campaigns: unexpected output count %d", len(out))
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("list campaigns: unexpected output type %T", out[0])
	}
	return addrs, nil
}

// Get reads one campaign at the current head.
func (r *Reader) Get(ctx context.Context, address common.Address) (*Campaign, error) {
	if address == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	head, err := r.caller.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	return r.getAt(ctx, address, new(big.Int).SetUint64(head))
}

// Contribution is the amount contributor has put into the campaign.
func (r *Reader) Contribution(ctx context.Context, address, contributor common.Address) (*big.Int, error) {
	if address == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	out, err := r.caller.Call(ctx, chain.CallOpts{}, address, contracts.Campaign(), contracts.MethodContributions, contributor)
	if err != nil {
		return nil, fmt.Errorf("read contributions: %w", err)
	}
	return asBigInt(out, contracts.MethodContributions)
}

func (r *Reader) getAt(ctx context.Context, address common.Address, block *big.Int) (*Campaign, error) {
	opts := chain.CallOpts{BlockNumber: block}
	parsed := contracts.Campaign()
	call := func(method string) ([]any, error) {
		return r.caller.Call(ctx, opts, address, parsed, method)
	}

	c := &Campaign{Address: address, Block: block.Uint64()}

	out, err := call(contracts.MethodCreator)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: unexpected output count %d", contracts.MethodCreator, len(out))
	}
	creator, ok := out[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", contracts.MethodCreator, out[0])
	}
	c.Creator = creator

	if out, err = call(contracts.MethodGoal); err != nil {
		return nil, err
	}
	if c.Goal, err = asBigInt(out, contracts.MethodGoal); err != nil {
		return nil, err
	}

	if out, err = call(contracts.MethodDeadline); err != nil {
		return nil, err
	}
	deadline, err := asBigInt(out, contracts.MethodDeadline)
	if err != nil {
		return nil, err
	}
	if !deadline.IsInt64() {
		return nil, fmt.Errorf("%s: out of range %s", contracts.MethodDeadline, deadline)
	}
	c.Deadline = time.Unix(deadline.Int64(), 0).UTC()

	if out, err = call(contracts.MethodTotalContributed); err != nil {
		return nil, err
	}
	if c.TotalContributed, err = asBigInt(out, contracts.MethodTotalContributed); err != nil {
		return nil, err
	}

	if out, err = call(contracts.MethodWithdrawn); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: unexpected output count %d", contracts.MethodWithdrawn, len(out))
	}
	if c.Withdrawn, ok = out[0].(bool); !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", contracts.MethodWithdrawn, out[0])
	}

	// metaURI() is optional; contracts without the getter still project.
	if out, err = call(contracts.MethodMetaURI); err != nil {
		r.logger.Debug("campaign meta uri unavailable", "campaign", address.Hex(), "error", err)
	} else if len(out) == 1 {
		c.MetaURI, _ = out[0].(string)
	}

	if r.meta != nil && c.MetaURI != "" {
		doc, err := r.meta.Fetch(ctx, c.MetaURI)
		if err != nil {
			r.logger.Warn("campaign metadata unavailable", "campaign", address.Hex(), "uri", c.MetaURI, "error", err)
		} else {
			c.Metadata = doc
		}
	}
	return c, nil
}

func asBigInt(out []any, method string) (*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: unexpected output count %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, out[0])
	}
	return v, nil
}
