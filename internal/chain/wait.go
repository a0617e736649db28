package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WaitMined polls until tx is included and buried under the configured number
// of confirmations. If the including block is reorganized away the wait
// continues on whatever block re-includes it. Cancelling ctx stops the wait,
// not the transaction.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	hash := tx.Hash()
	ctx, span := c.tracer.Start(ctx, "chain.wait_mined", trace.WithAttributes(
		attribute.String("tx", hash.Hex()),
		attribute.Int64("confirmations", int64(c.confirmations)),
	))
	defer span.End()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var included *types.Receipt
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if included != nil && included.BlockHash != receipt.BlockHash {
				c.logger.Warn("transaction moved to a new block",
					"tx", hash.Hex(),
					"old_block", included.BlockNumber,
					"new_block", receipt.BlockNumber,
				)
			}
			included = receipt

			head, err := c.backend.BlockNumber(ctx)
			if err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("block number: %w", err)
			}
			if depth(head, receipt) >= c.confirmations {
				span.SetAttributes(attribute.Int64("block", receipt.BlockNumber.Int64()))
				if receipt.Status != types.ReceiptStatusSuccessful {
					err := fmt.Errorf("%w: tx %s in block %s", ErrReverted, hash.Hex(), receipt.BlockNumber)
					span.SetStatus(codes.Error, err.Error())
					return receipt, err
				}
				return receipt, nil
			}
		case err == nil, errors.Is(err, ethereum.NotFound):
			if included != nil {
				c.logger.Warn("transaction left the canonical chain, waiting for re-inclusion",
					"tx", hash.Hex(),
					"block", included.BlockNumber,
				)
				included = nil
			}
		default:
			span.RecordError(err)
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func depth(head uint64, receipt *types.Receipt) uint64 {
	if receipt.BlockNumber == nil {
		return 0
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0
	}
	return head - mined + 1
}

// RevertReason extracts the Error(string) message carried in an RPC error,
// as returned by eth_call and eth_estimateGas for a failing require.
func RevertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}
	var raw []byte
	switch v := dataErr.ErrorData().(type) {
	case string:
		decoded, derr := hexutil.Decode(v)
		if derr != nil {
			return "", false
		}
		raw = decoded
	case []byte:
		raw = v
	default:
		return "", false
	}
	reason, uerr := abi.UnpackRevert(raw)
	if uerr != nil {
		return "", false
	}
	return reason, true
}
