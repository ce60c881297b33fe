package chainsender

import (
	"context"
	"fmt"
	"sync"
)

// FuncSender adapts plain functions to the Sender interface. Intended for
// unit tests exercising the dispatcher without a live RPC endpoint.
type FuncSender struct {
	SendActionFn      func(ctx context.Context, req SendRequest) (SendResult, error)
	BumpAndReplaceFn  func(ctx context.Context, req BumpRequest) (BumpResult, error)
	GetReceiptFn      func(ctx context.Context, txHash string) (Receipt, error)
	IsHealthyFn       func(ctx context.Context) bool
	PendingNonceFn    func(ctx context.Context, signer string) (uint64, error)
}

func (f *FuncSender) SendAction(ctx context.Context, req SendRequest) (SendResult, error) {
	if f.SendActionFn == nil {
		return SendResult{}, fmt.Errorf("chainsender: SendActionFn not set")
	}
	return f.SendActionFn(ctx, req)
}

func (f *FuncSender) BumpAndReplace(ctx context.Context, req BumpRequest) (BumpResult, error) {
	if f.BumpAndReplaceFn == nil {
		return BumpResult{}, fmt.Errorf("chainsender: BumpAndReplaceFn not set")
	}
	return f.BumpAndReplaceFn(ctx, req)
}

func (f *FuncSender) GetReceipt(ctx context.Context, txHash string) (Receipt, error) {
	if f.GetReceiptFn == nil {
		return Receipt{}, ErrReceiptPending
	}
	return f.GetReceiptFn(ctx, txHash)
}

func (f *FuncSender) IsHealthy(ctx context.Context) bool {
	if f.IsHealthyFn == nil {
		return true
	}
	return f.IsHealthyFn(ctx)
}

func (f *FuncSender) PendingNonce(ctx context.Context, signer string) (uint64, error) {
	if f.PendingNonceFn == nil {
		return 0, nil
	}
	return f.PendingNonceFn(ctx, signer)
}

// InMemorySender is a deterministic, concurrency-safe fake that tracks
// submitted and bumped transactions by an auto-incrementing counter,
// suitable for driving dispatcher integration tests end-to-end.
type InMemorySender struct {
	mu       sync.Mutex
	seq      int
	receipts map[string]Receipt
	nonces   map[string]uint64
	healthy  bool
}

// NewInMemorySender constructs an empty in-memory fake.
func NewInMemorySender() *InMemorySender {
	return &InMemorySender{
		receipts: make(map[string]Receipt),
		nonces:   make(map[string]uint64),
		healthy:  true,
	}
}

func (s *InMemorySender) SendAction(ctx context.Context, req SendRequest) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	hash := fmt.Sprintf("0xfake%06d", s.seq)
	signer := "default"
	nonce := s.nonces[signer]
	s.nonces[signer] = nonce + 1
	s.receipts[hash] = Receipt{TxHash: hash, Status: StatusSuccess, BlockNumber: uint64(s.seq), GasUsed: 21000}
	return SendResult{TxHash: hash, Nonce: nonce}, nil
}

func (s *InMemorySender) BumpAndReplace(ctx context.Context, req BumpRequest) (BumpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	hash := fmt.Sprintf("0xfakebump%06d", s.seq)
	s.receipts[hash] = Receipt{TxHash: hash, Status: StatusSuccess, BlockNumber: uint64(s.seq), GasUsed: 21000}
	return BumpResult{TxHash: hash}, nil
}

func (s *InMemorySender) GetReceipt(ctx context.Context, txHash string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[txHash]
	if !ok {
		return Receipt{}, ErrReceiptPending
	}
	return r, nil
}

func (s *InMemorySender) IsHealthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *InMemorySender) PendingNonce(ctx context.Context, signer string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[signer], nil
}

// SetHealthy toggles the fake's health flag for tests.
func (s *InMemorySender) SetHealthy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = v
}

// SetReceipt seeds an explicit receipt for a hash, letting tests script
// reverts and pending states.
func (s *InMemorySender) SetReceipt(hash string, r Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[hash] = r
}
