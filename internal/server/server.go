package server

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"crowdfund/internal/campaign"
	"crowdfund/internal/hmacauth"
	"crowdfund/internal/idempotency"
	"crowdfund/internal/submit"
	"crowdfund/internal/syncer"
	"crowdfund/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

type CampaignReader interface {
	Get(ctx context.Context, address common.Address) (*campaign.Campaign, error)
	Contribution(ctx context.Context, address, contributor common.Address) (*big.Int, error)
}

type Writer interface {
	CreateCampaign(ctx context.Context, req submit.CreateRequest) (*submit.Receipt, error)
	Contribute(ctx context.Context, campaign common.Address, amount *big.Int) (*submit.Receipt, error)
	Withdraw(ctx context.Context, campaign common.Address) (*submit.Receipt, error)
	Refund(ctx context.Context, campaign common.Address) (*submit.Receipt, error)
}

type Snapshots interface {
	Snapshot() *syncer.Snapshot
	LastError() error
}

// State is the view state store, normally *state.Store.
type State interface {
	Session() (*wallet.Session, bool)
	Connect(session *wallet.Session)
	Disconnect() bool
	Refresh() uint64
	Token() uint64
}

type Chain interface {
	ChainID() *big.Int
	Ping(ctx context.Context) error
}

type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	HMACSecret     string
	HMACClockSkew  time.Duration
	IdempotencyTTL time.Duration
	TxTimeout      time.Duration
}

type Deps struct {
	Reader    CampaignReader
	Writer    Writer
	Snapshots Snapshots
	State     State
	Wallet    wallet.Provider
	Chain     Chain
	Store     idempotency.Store
	Metrics   *Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Server struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
	hmac       *hmacauth.Verifier
	dbHealthFn func(context.Context) error
	httpServer *http.Server
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = idempotency.DefaultTTL
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 3 * time.Minute
	}
	if deps.Store == nil {
		deps.Store = idempotency.NewMemoryStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: deps.Metrics,
		now:     now,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.HMACSecret,
		MaxSkew: cfg.HMACClockSkew,
		Now:     now,
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			writeError(w, r, http.StatusUnauthorized, "invalid_signature", err.Error())
		},
	}
	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Router builds the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{address}", s.handleGetCampaign)
		r.Get("/campaigns/{address}/contributions/{contributor}", s.handleContribution)

		r.Get("/wallet", s.handleWallet)

		// Anything that changes the wallet session, the refresh token or
		// chain state must be signed.
		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)
			r.Post("/wallet/connect", s.handleConnect)
			r.Delete("/wallet", s.handleDisconnect)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/campaigns", s.idempotent(submit.ActionCreate, s.createCampaign))
			r.Post("/campaigns/{address}/contribute", s.idempotent(submit.ActionContribute, s.contribute))
			r.Post("/campaigns/{address}/withdraw", s.idempotent(submit.ActionWithdraw, s.withdraw))
			r.Post("/campaigns/{address}/refund", s.idempotent(submit.ActionRefund, s.refund))
		})
	})
	return r
}

func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		ChainID   string  `json:"chainId,omitempty"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.deps.Chain != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.Chain.Ping(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.ChainID = s.deps.Chain.ChainID().String()
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Error = "no rpc provider configured"
		overallHealthy = false
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	syncInfo := struct {
		Block    uint64    `json:"block"`
		Token    uint64    `json:"token"`
		SyncedAt time.Time `json:"synced_at"`
		Error    string    `json:"error,omitempty"`
	}{}
	if s.deps.Snapshots != nil {
		if snap := s.deps.Snapshots.Snapshot(); snap != nil {
			syncInfo.Block, syncInfo.Token, syncInfo.SyncedAt = snap.Block, snap.Token, snap.SyncedAt
		}
		if err := s.deps.Snapshots.LastError(); err != nil {
			syncInfo.Error = err.Error()
		}
	}

	_, walletConnected := s.deps.State.Session()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string `json:"status"`
		RPC      any    `json:"rpc"`
		Database any    `json:"database"`
		Sync     any    `json:"sync"`
		Wallet   bool   `json:"wallet_connected"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Sync:     syncInfo,
		Wallet:   walletConnected,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
