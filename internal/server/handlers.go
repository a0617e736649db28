package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"crowdfund/internal/idempotency"
	"crowdfund/internal/submit"
	"crowdfund/internal/units"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxWriteBody         = 64 << 10
)

// inputError is a request the handler rejects before it reaches the submitter.
type inputError struct{ msg string }

func (e inputError) Error() string { return e.msg }

type writeFunc func(ctx context.Context, r *http.Request, body []byte) (*submit.Receipt, error)

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Snapshots.Snapshot()
	lastErr := s.deps.Snapshots.LastError()
	if snap == nil {
		if lastErr != nil {
			writeError(w, r, http.StatusServiceUnavailable, "sync_failed", lastErr.Error())
			return
		}
		writeError(w, r, http.StatusServiceUnavailable, "not_synced", "campaigns have not been loaded yet")
		return
	}
	writeJSON(w, http.StatusOK, newListView(snap, lastErr, s.now()))
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(r, "address")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid campaign address")
		return
	}
	c, err := s.deps.Reader.Get(r.Context(), addr)
	if err != nil {
		s.metrics.incRead("campaign", "error")
		s.readFailure(w, r, err)
		return
	}
	s.metrics.incRead("campaign", "ok")
	writeJSON(w, http.StatusOK, newCampaignView(c, s.now()))
}

func (s *Server) handleContribution(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(r, "address")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid campaign address")
		return
	}
	contributor, ok := addressParam(r, "contributor")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid contributor address")
		return
	}
	amount, err := s.deps.Reader.Contribution(r.Context(), addr, contributor)
	if err != nil {
		s.metrics.incRead("contribution", "error")
		s.readFailure(w, r, err)
		return
	}
	s.metrics.incRead("contribution", "ok")
	writeJSON(w, http.StatusOK, contributionView{
		Campaign:    addr.Hex(),
		Contributor: contributor.Hex(),
		Amount:      units.FormatEther(amount),
		AmountWei:   weiString(amount),
	})
}

func (s *Server) readFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, bind.ErrNoCode) {
		writeError(w, r, http.StatusNotFound, "not_found", "no campaign contract at address")
		return
	}
	s.logger.Warn("campaign read failed", "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusServiceUnavailable, "chain_unavailable", err.Error())
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	session, _ := s.deps.State.Session()
	writeJSON(w, http.StatusOK, newWalletView(session, s.deps.State.Token()))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallet == nil || s.deps.Chain == nil {
		writeError(w, r, http.StatusServiceUnavailable, "wallet_unavailable", "no wallet provider configured")
		return
	}
	session, err := s.deps.Wallet.Connect(r.Context(), s.deps.Chain.ChainID())
	if err != nil {
		status, code := walletFailure(err)
		s.logger.Warn("wallet connect failed", "error", err)
		writeError(w, r, status, code, err.Error())
		return
	}
	s.deps.State.Connect(session)
	s.logger.Info("wallet connected", "address", session.Address().Hex(), "session", session.ID.String())
	writeJSON(w, http.StatusOK, newWalletView(session, s.deps.State.Token()))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.State.Disconnect() {
		s.logger.Info("wallet disconnected")
	}
	writeJSON(w, http.StatusOK, newWalletView(nil, s.deps.State.Token()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := s.deps.State.Refresh()
	writeJSON(w, http.StatusAccepted, map[string]uint64{"token": token})
}

// idempotent runs a write at most once per X-Idempotency-Key. Outcomes that
// the user cannot fix by retrying are recorded and replayed; in-flight and
// availability failures are not, so the same key can be tried again.
func (s *Server) idempotent(action submit.Action, fn writeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			writeError(w, r, http.StatusBadRequest, "idempotency_key_required", "missing X-Idempotency-Key header")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWriteBody))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", "unreadable request body")
			return
		}
		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)

		existing, err := s.deps.Store.Get(r.Context(), key)
		if err != nil {
			s.logger.Error("idempotency lookup failed", "key", key, "error", err)
			writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "idempotency store unavailable")
			return
		}
		if existing != nil {
			if existing.Fingerprint != fingerprint {
				writeError(w, r, http.StatusUnprocessableEntity, "idempotency_conflict", "idempotency key was used for a different request")
				return
			}
			s.metrics.incReplay(string(action))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplayed, "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		// The transaction cannot be recalled once sent, so a client hanging
		// up must not abandon the wait for inclusion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.TxTimeout)
		defer cancel()

		record := idempotency.Record{Fingerprint: fingerprint, Action: string(action)}
		var (
			status  int
			payload any
		)
		receipt, err := fn(ctx, r, body)
		var ie inputError
		switch {
		case err == nil:
			status = http.StatusOK
			if action == submit.ActionCreate {
				status = http.StatusCreated
			}
			payload = newReceiptView(receipt)
			record.Campaign = receipt.Campaign.Hex()
			record.TxHash = receipt.TxHash.Hex()
		case errors.As(err, &ie):
			status = http.StatusBadRequest
			payload = apiError{Status: "error", Code: "invalid_input", Message: ie.msg, RequestID: requestIDFromContext(r.Context())}
		default:
			var failure apiError
			status, failure = submitFailure(r, err)
			record.TxHash = failure.TxHash
			payload = failure
		}

		blob, err := json.Marshal(payload)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal_error", "encode response")
			return
		}
		blob = append(blob, '\n')
		if replayable(status) {
			now := s.now()
			record.StatusCode = status
			record.Response = blob
			record.CreatedAt = now
			record.ExpiresAt = now.Add(s.cfg.IdempotencyTTL)
			if err := s.deps.Store.Save(ctx, key, record); err != nil {
				s.logger.Error("idempotency save failed", "key", key, "action", action, "error", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(blob)
	}
}

func replayable(status int) bool {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusBadRequest, http.StatusBadGateway:
		return true
	}
	return false
}

func (s *Server) createCampaign(ctx context.Context, _ *http.Request, body []byte) (*submit.Receipt, error) {
	var req createCampaignRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, inputError{"invalid json payload"}
	}
	goal, err := units.ParseEther(req.Goal)
	if err != nil {
		return nil, inputError{"goal: " + err.Error()}
	}
	return s.deps.Writer.CreateCampaign(ctx, submit.CreateRequest{
		MetaURI:  req.MetaURI,
		Goal:     goal,
		Deadline: req.Deadline,
	})
}

func (s *Server) contribute(ctx context.Context, r *http.Request, body []byte) (*submit.Receipt, error) {
	addr, ok := addressParam(r, "address")
	if !ok {
		return nil, inputError{"invalid campaign address"}
	}
	var req contributeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, inputError{"invalid json payload"}
	}
	amount, err := units.ParseEther(req.Amount)
	if err != nil {
		return nil, inputError{"amount: " + err.Error()}
	}
	return s.deps.Writer.Contribute(ctx, addr, amount)
}

func (s *Server) withdraw(ctx context.Context, r *http.Request, _ []byte) (*submit.Receipt, error) {
	addr, ok := addressParam(r, "address")
	if !ok {
		return nil, inputError{"invalid campaign address"}
	}
	return s.deps.Writer.Withdraw(ctx, addr)
}

func (s *Server) refund(ctx context.Context, r *http.Request, _ []byte) (*submit.Receipt, error) {
	addr, ok := addressParam(r, "address")
	if !ok {
		return nil, inputError{"invalid campaign address"}
	}
	return s.deps.Writer.Refund(ctx, addr)
}

func addressParam(r *http.Request, name string) (common.Address, bool) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
