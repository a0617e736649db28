package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func testTx() *types.Transaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Gas: 21000, GasPrice: big.NewInt(1)})
}

func receiptAt(block int64, hash string, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:      status,
		BlockNumber: big.NewInt(block),
		BlockHash:   common.HexToHash(hash),
	}
}

func TestWaitMinedWaitsForConfirmations(t *testing.T) {
	backend := &fakeBackend{
		receipts: []receiptStep{
			{},
			{receipt: receiptAt(10, "0x0a", types.ReceiptStatusSuccessful)},
			{receipt: receiptAt(10, "0x0a", types.ReceiptStatusSuccessful)},
		},
		head: []uint64{10, 12},
	}
	c := newTestClient(t, backend, 3)

	receipt, err := c.WaitMined(context.Background(), testTx())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if receipt.BlockNumber.Int64() != 10 {
		t.Fatalf("unexpected block %s", receipt.BlockNumber)
	}
	if backend.headCall != 2 {
		t.Fatalf("expected two head checks, got %d", backend.headCall)
	}
}

func TestWaitMinedFollowsReorg(t *testing.T) {
	backend := &fakeBackend{
		receipts: []receiptStep{
			{receipt: receiptAt(10, "0x0a", types.ReceiptStatusSuccessful)},
			{},
			{receipt: receiptAt(11, "0x0b", types.ReceiptStatusSuccessful)},
		},
		head: []uint64{10, 12},
	}
	c := newTestClient(t, backend, 2)

	receipt, err := c.WaitMined(context.Background(), testTx())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if receipt.BlockHash != common.HexToHash("0x0b") {
		t.Fatalf("expected receipt from re-including block, got %s", receipt.BlockHash.Hex())
	}
}

func TestWaitMinedReportsRevert(t *testing.T) {
	backend := &fakeBackend{
		receipts: []receiptStep{{receipt: receiptAt(5, "0x05", types.ReceiptStatusFailed)}},
		head:     []uint64{5},
	}
	c := newTestClient(t, backend, 1)

	receipt, err := c.WaitMined(context.Background(), testTx())
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if receipt == nil || receipt.Status != types.ReceiptStatusFailed {
		t.Fatalf("expected failed receipt to be returned")
	}
}

func TestWaitMinedStopsOnContext(t *testing.T) {
	c := newTestClient(t, &fakeBackend{}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.WaitMined(ctx, testTx()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWaitMinedFailsOnRPCError(t *testing.T) {
	backend := &fakeBackend{receipts: []receiptStep{{err: errors.New("connection refused")}}}
	c := newTestClient(t, backend, 1)

	if _, err := c.WaitMined(context.Background(), testTx()); err == nil {
		t.Fatalf("expected rpc error")
	}
	if backend.receiptCall != 1 {
		t.Fatalf("expected no retry after rpc error, got %d calls", backend.receiptCall)
	}
}
