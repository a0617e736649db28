package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"crowdfund/internal/chain"
	"crowdfund/internal/submit"
	"crowdfund/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

const headerRequestID = "X-Request-Id"

type apiError struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	TxHash    string `json:"txHash,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, apiError{
		Status:    "error",
		Code:      code,
		Message:   message,
		RequestID: requestIDFromContext(r.Context()),
	})
}

// submitFailure maps a failed write to an HTTP response body. The wallet
// missing case is 401 so the UI can prompt for a connection.
func submitFailure(r *http.Request, err error) (int, apiError) {
	body := apiError{Status: "error", RequestID: requestIDFromContext(r.Context())}
	var se *submit.Error
	if !errors.As(err, &se) {
		body.Code, body.Message = "internal_error", err.Error()
		return http.StatusInternalServerError, body
	}
	body.Message = se.Reason
	if se.TxHash != (common.Hash{}) {
		body.TxHash = se.TxHash.Hex()
	}
	switch se.Kind {
	case submit.KindValidation:
		body.Code = "invalid_input"
		return http.StatusBadRequest, body
	case submit.KindBusy:
		body.Code = "in_flight"
		return http.StatusConflict, body
	case submit.KindConnectivity:
		if errors.Is(err, submit.ErrWalletNotConnected) || errors.Is(err, chain.ErrNoWallet) {
			body.Code = "wallet_not_connected"
			return http.StatusUnauthorized, body
		}
		body.Code = "unavailable"
		return http.StatusServiceUnavailable, body
	default:
		body.Code = "transaction_failed"
		return http.StatusBadGateway, body
	}
}

// walletFailure maps a wallet connect error.
func walletFailure(err error) (int, string) {
	if errors.Is(err, wallet.ErrUnavailable) {
		return http.StatusServiceUnavailable, "wallet_unavailable"
	}
	return http.StatusBadGateway, "wallet_error"
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", requestIDFromContext(r.Context()),
			)
		})
	}
}

func recoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in handler", "panic", rec, "path", r.URL.Path)
					writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
