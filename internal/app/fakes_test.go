package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
	"github.com/bundlehub/databundle-service/pkg/paystack"
	"github.com/bundlehub/databundle-service/pkg/reseller"
)

type fakeGateway struct {
	mu sync.Mutex

	charges     map[string]*paystack.Transaction
	verifyCalls   int
	verifyBarrier *sync.WaitGroup
	initErr       error

	resolveBarrier *sync.WaitGroup
	resolveErr     error
	accountName    string

	recipientCalls int
	transferErrs   []error
	transferStatus string
	transfers      []paystack.TransferRequest

	transferVerifyStatus string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{charges: map[string]*paystack.Transaction{}, accountName: "BUNDLE HUB LTD", transferStatus: "pending"}
}

func (g *fakeGateway) InitializeTransaction(ctx context.Context, req paystack.InitializeRequest) (*paystack.InitializeResponse, error) {
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &paystack.InitializeResponse{
		AuthorizationURL: "https://checkout.paystack.test/" + req.Reference,
		AccessCode:       "ac_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (g *fakeGateway) VerifyTransaction(ctx context.Context, reference string) (*paystack.Transaction, error) {
	if g.verifyBarrier != nil {
		g.verifyBarrier.Done()
		g.verifyBarrier.Wait()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	charge, ok := g.charges[reference]
	if !ok {
		return nil, &paystack.APIError{StatusCode: 400, Message: "Transaction reference not found"}
	}
	return charge, nil
}

func (g *fakeGateway) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*paystack.ResolvedAccount, error) {
	if g.resolveBarrier != nil {
		g.resolveBarrier.Done()
		g.resolveBarrier.Wait()
	}
	if g.resolveErr != nil {
		return nil, g.resolveErr
	}
	return &paystack.ResolvedAccount{AccountNumber: accountNumber, AccountName: g.accountName}, nil
}

func (g *fakeGateway) CreateTransferRecipient(ctx context.Context, name, accountNumber, bankCode, currency string) (*paystack.Recipient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recipientCalls++
	return &paystack.Recipient{RecipientCode: "RCP_" + accountNumber, Name: name}, nil
}

func (g *fakeGateway) InitiateTransfer(ctx context.Context, req paystack.TransferRequest) (*paystack.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = append(g.transfers, req)
	if len(g.transferErrs) > 0 {
		err := g.transferErrs[0]
		g.transferErrs = g.transferErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &paystack.Transfer{TransferCode: "TRF_" + req.Reference, Reference: req.Reference, Status: g.transferStatus, Amount: req.Amount}, nil
}

func (g *fakeGateway) VerifyTransfer(ctx context.Context, reference string) (*paystack.Transfer, error) {
	return &paystack.Transfer{Reference: reference, Status: g.transferVerifyStatus}, nil
}

func (g *fakeGateway) transferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.transfers)
}

type fakeReseller struct {
	mu        sync.Mutex
	purchases []reseller.PurchaseRequest
	purchase  func(ctx context.Context, req reseller.PurchaseRequest) (*reseller.PurchaseResult, error)
	status    func(ctx context.Context, id string) (*reseller.StatusResult, error)
}

func completingReseller() *fakeReseller {
	return &fakeReseller{
		purchase: func(ctx context.Context, req reseller.PurchaseRequest) (*reseller.PurchaseResult, error) {
			return &reseller.PurchaseResult{
				Status:        reseller.StatusCompleted,
				TransactionID: "UP-" + req.Reference,
				Cost:          decimal.NewNullDecimal(decimal.RequireFromString("20.00")),
			}, nil
		},
	}
}

func (f *fakeReseller) Purchase(ctx context.Context, req reseller.PurchaseRequest) (*reseller.PurchaseResult, error) {
	f.mu.Lock()
	f.purchases = append(f.purchases, req)
	fn := f.purchase
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeReseller) OrderStatus(ctx context.Context, id string) (*reseller.StatusResult, error) {
	if f.status == nil {
		return nil, errors.New("status not configured")
	}
	return f.status(ctx, id)
}

func (f *fakeReseller) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.purchases)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == key {
			n++
		}
	}
	return n
}

type testHarness struct {
	svc       *Service
	repo      *memoryRepo
	gateway   *fakeGateway
	reseller  *fakeReseller
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		repo:      newMemoryRepo(),
		gateway:   newFakeGateway(),
		reseller:  completingReseller(),
		publisher: &recordingPublisher{},
	}
	h.svc = NewService(h.repo, h.gateway, h.reseller, h.publisher, nil, zap.NewNop(), Options{
		Currency:             "GHS",
		MinDepositAmount:     decimal.NewFromInt(1),
		MinWithdrawalAmount:  decimal.NewFromInt(10),
		AFARegistrationPrice: decimal.NewFromInt(10),
		AFAUpstreamCost:      decimal.NewFromInt(6),
		UpstreamTimeout:      2 * time.Second,
		ReconcileAfter:       10 * time.Minute,
		MaxReconcileAttempts: 2,
	})
	return h
}

// withRepo builds a second service over repo sharing the harness fakes and options.
func (h *testHarness) withRepo(repo store.Repository) *Service {
	return NewService(repo, h.gateway, h.reseller, h.publisher, nil, zap.NewNop(), h.svc.opts)
}

// lookupBarrierRepo holds the first two order lookups that miss until both have
// happened, so two callers pass the duplicate check before either inserts.
type lookupBarrierRepo struct {
	*memoryRepo
	lookupMu sync.Mutex
	misses   int
	barrier  sync.WaitGroup
}

func newLookupBarrierRepo(inner *memoryRepo) *lookupBarrierRepo {
	r := &lookupBarrierRepo{memoryRepo: inner}
	r.barrier.Add(2)
	return r
}

func (r *lookupBarrierRepo) FindOrderByReference(ctx context.Context, reference string) (*domain.DataOrder, error) {
	order, err := r.memoryRepo.FindOrderByReference(ctx, reference)
	if errors.Is(err, store.ErrOrderNotFound) {
		r.lookupMu.Lock()
		r.misses++
		hold := r.misses <= 2
		r.lookupMu.Unlock()
		if hold {
			r.barrier.Done()
			r.barrier.Wait()
		}
	}
	return order, err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// assertLedgerReplays checks that completed entries replay to the balance once
// pending holds are added back.
func assertLedgerReplays(t *testing.T, repo *memoryRepo, userID uuid.UUID) {
	t.Helper()
	completed, held := repo.replay(userID)
	balance := repo.balance(userID)
	if !completed.Equal(balance.Add(held)) {
		t.Fatalf("ledger replay %s != balance %s + held %s", completed, balance, held)
	}
	if balance.IsNegative() {
		t.Fatalf("balance went negative: %s", balance)
	}
}
