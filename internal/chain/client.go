package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"crowdfund/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoProvider = errors.New("no rpc provider configured")
	ErrNoWallet   = errors.New("wallet not connected")
	ErrReverted   = errors.New("transaction reverted")
)

// Backend is the node surface the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	RPCURL        string
	Confirmations uint64
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// Client reads contract state through the provider and sends transactions
// signed by a wallet session.
type Client struct {
	backend       Backend
	chainID       *big.Int
	confirmations uint64
	pollInterval  time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer
}

// CallOpts pins a read to a block. A nil BlockNumber reads the latest state.
type CallOpts struct {
	BlockNumber *big.Int
	From        common.Address
}

// TxRequest describes one state-changing contract call.
type TxRequest struct {
	To     common.Address
	ABI    abi.ABI
	Method string
	Args   []any
	Value  *big.Int
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, ErrNoProvider
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c, err := NewClient(ctx, cli, cfg)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return c, nil
}

func NewClient(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, ErrNoProvider
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend:       backend,
		chainID:       chainID,
		confirmations: confirmations,
		pollInterval:  poll,
		logger:        logger,
		tracer:        otel.Tracer("crowdfund/chain"),
	}, nil
}

func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.backend.BlockNumber(ctx)
	return err
}

func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Contract resolves a handle for the contract at address with the given ABI.
func (c *Client) Contract(address common.Address, parsed abi.ABI) *Contract {
	return &Contract{Address: address, ABI: parsed, client: c}
}

// Call executes a read-only method and returns the unpacked outputs.
func (c *Client) Call(ctx context.Context, opts CallOpts, address common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	ctx, span := c.tracer.Start(ctx, "chain.call", trace.WithAttributes(
		attribute.String("contract", address.Hex()),
		attribute.String("method", method),
	))
	defer span.End()

	bound := bind.NewBoundContract(address, parsed, c.backend, c.backend, c.backend)
	var out []any
	callOpts := &bind.CallOpts{Context: ctx, BlockNumber: opts.BlockNumber, From: opts.From}
	if err := bound.Call(callOpts, &out, method, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return out, nil
}

// Transact signs req with the session and broadcasts it. It does not wait for
// inclusion.
func (c *Client) Transact(ctx context.Context, session *wallet.Session, req TxRequest) (*types.Transaction, error) {
	if session == nil {
		return nil, ErrNoWallet
	}
	if session.ChainID().Cmp(c.chainID) != 0 {
		return nil, fmt.Errorf("wallet chain %s does not match node chain %s", session.ChainID(), c.chainID)
	}

	ctx, span := c.tracer.Start(ctx, "chain.transact", trace.WithAttributes(
		attribute.String("contract", req.To.Hex()),
		attribute.String("method", req.Method),
		attribute.String("from", session.Address().Hex()),
	))
	defer span.End()

	bound := bind.NewBoundContract(req.To, req.ABI, c.backend, c.backend, c.backend)
	tx, err := bound.Transact(session.TransactOpts(ctx, req.Value), req.Method, req.Args...)
	if err != nil {
		if reason, ok := RevertReason(err); ok {
			err = fmt.Errorf("%w: %s", ErrReverted, reason)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s tx: %w", req.Method, err)
	}
	span.SetAttributes(attribute.String("tx", tx.Hash().Hex()))
	c.logger.Info("transaction submitted",
		"method", req.Method,
		"contract", req.To.Hex(),
		"tx", tx.Hash().Hex(),
		"from", session.Address().Hex(),
	)
	return tx, nil
}

// Contract is a resolved contract instance bound to the client.
type Contract struct {
	Address common.Address
	ABI     abi.ABI
	client  *Client
}

func (k *Contract) Call(ctx context.Context, opts CallOpts, method string, args ...any) ([]any, error) {
	return k.client.Call(ctx, opts, k.Address, k.ABI, method, args...)
}

func (k *Contract) Transact(ctx context.Context, session *wallet.Session, value *big.Int, method string, args ...any) (*types.Transaction, error) {
	return k.client.Transact(ctx, session, TxRequest{
		To:     k.Address,
		ABI:    k.ABI,
		Method: method,
		Args:   args,
		Value:  value,
	})
}
