package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
	"github.com/bundlehub/databundle-service/pkg/reseller"
)

func TestPlaceOrder_CompletesAndRecordsPurchase(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("ama@example.com", "50.00")

	res, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID:      user.ID,
		PhoneNumber: "024 123 4567",
		Network:     "at",
		DataAmount:  dec("5"),
		Price:       dec("23.50"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if res.Order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed order, got %q", res.Order.Status)
	}
	if !h.repo.balance(user.ID).Equal(dec("26.50")) {
		t.Fatalf("expected balance 26.50, got %s", h.repo.balance(user.ID))
	}
	if !res.Balance.Equal(dec("26.50")) {
		t.Fatalf("expected returned balance 26.50, got %s", res.Balance)
	}

	purchases := h.repo.entries(res.Order.Reference, domain.TransactionTypePurchase)
	if len(purchases) != 1 {
		t.Fatalf("expected one purchase entry, got %d", len(purchases))
	}
	if purchases[0].Status != domain.TransactionStatusCompleted || !purchases[0].Amount.Equal(dec("23.50")) || !purchases[0].BalanceAfter.Equal(dec("26.50")) {
		t.Fatalf("unexpected purchase entry %+v", purchases[0])
	}

	if h.reseller.calls() != 1 {
		t.Fatalf("expected one upstream call, got %d", h.reseller.calls())
	}
	sent := h.reseller.purchases[0]
	if sent.NetworkKey != "AT_PREMIUM" || sent.Recipient != "0241234567" || sent.Capacity != "5" || sent.Reference != res.Order.Reference {
		t.Fatalf("unexpected upstream request %+v", sent)
	}
	if res.Order.UpstreamTransactionID == nil || *res.Order.UpstreamTransactionID != "UP-"+res.Order.Reference {
		t.Fatalf("expected upstream id to be stored, got %v", res.Order.UpstreamTransactionID)
	}
	if !res.Order.Profit.Equal(dec("3.50")) {
		t.Fatalf("expected profit 3.50, got %s", res.Order.Profit)
	}
	if h.publisher.published(domain.RoutingKeyOrderCompleted) != 1 {
		t.Fatalf("expected order.completed event")
	}
	assertLedgerReplays(t, h.repo, user.ID)
}

func TestPlaceOrder_TimeoutRefundsAndFailsOrder(t *testing.T) {
	h := newHarness(t)
	h.svc.opts.UpstreamTimeout = 20 * time.Millisecond
	h.reseller.purchase = func(ctx context.Context, req reseller.PurchaseRequest) (*reseller.PurchaseResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	user := h.repo.addUser("kofi@example.com", "50.00")

	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID:      user.ID,
		PhoneNumber: "0241234567",
		Network:     "at",
		DataAmount:  dec("5"),
		Price:       dec("23.50"),
		Reference:   "client-ref-timeout",
	})
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !errors.Is(err, ErrTransactionFailed) {
		t.Fatalf("expected error to wrap ErrTransactionFailed, got %v", err)
	}
	if upErr.Detail != "upstream request timed out" {
		t.Fatalf("unexpected failure detail %q", upErr.Detail)
	}

	if !h.repo.balance(user.ID).Equal(dec("50.00")) {
		t.Fatalf("expected balance restored to 50.00, got %s", h.repo.balance(user.ID))
	}
	order, err := h.repo.FindOrderByReference(context.Background(), "client-ref-timeout")
	if err != nil {
		t.Fatalf("expected order to exist: %v", err)
	}
	if order.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed order, got %q", order.Status)
	}
	// The hold is released rather than refunded: one failed purchase row, no refund row.
	holds := h.repo.entries("client-ref-timeout", domain.TransactionTypePurchase)
	if len(holds) != 1 || holds[0].Status != domain.TransactionStatusFailed {
		t.Fatalf("expected one failed purchase hold, got %+v", holds)
	}
	if refunds := h.repo.entries("client-ref-timeout", domain.TransactionTypeRefund); len(refunds) != 0 {
		t.Fatalf("expected no refund entry for a released hold, got %+v", refunds)
	}
	assertLedgerReplays(t, h.repo, user.ID)
}

func TestPlaceOrder_UpstreamRejectionStoresReason(t *testing.T) {
	h := newHarness(t)
	h.reseller.purchase = func(ctx context.Context, req reseller.PurchaseRequest) (*reseller.PurchaseResult, error) {
		return nil, &reseller.APIError{StatusCode: 400, Message: "Invalid recipient number"}
	}
	user := h.repo.addUser("esi@example.com", "30.00")

	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: user.ID, PhoneNumber: "0201234567", Network: "telecel", DataAmount: dec("2"), Price: dec("12"), Reference: "rej-1",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	order, _ := h.repo.FindOrderByReference(context.Background(), "rej-1")
	if order.FailureReason == nil || *order.FailureReason != "Invalid recipient number" {
		t.Fatalf("expected upstream reason, got %v", order.FailureReason)
	}
	if h.publisher.published(domain.RoutingKeyOrderFailed) != 1 {
		t.Fatalf("expected order.failed event")
	}
	if !h.repo.balance(user.ID).Equal(dec("30.00")) {
		t.Fatalf("expected balance 30.00, got %s", h.repo.balance(user.ID))
	}
}

func TestPlaceOrder_DuplicateReferenceDoesNotDebitTwice(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("yaw@example.com", "50.00")
	in := PlaceOrderInput{UserID: user.ID, PhoneNumber: "0551234567", Network: "mtn", DataAmount: dec("1"), Price: dec("6"), Reference: "retry-me"}

	first, err := h.svc.PlaceOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("first PlaceOrder: %v", err)
	}
	second, err := h.svc.PlaceOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("second PlaceOrder: %v", err)
	}
	if !second.Duplicate || second.Order.ID != first.Order.ID {
		t.Fatalf("expected duplicate to return the first order")
	}
	if h.repo.orderCount() != 1 || h.reseller.calls() != 1 {
		t.Fatalf("expected one order and one upstream call, got %d and %d", h.repo.orderCount(), h.reseller.calls())
	}
	if !h.repo.balance(user.ID).Equal(dec("44")) {
		t.Fatalf("expected single debit, balance %s", h.repo.balance(user.ID))
	}
}

func TestPlaceOrder_ConcurrentSameReferenceDebitsOnce(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("twice@example.com", "50.00")
	svc := h.withRepo(newLookupBarrierRepo(h.repo))
	in := PlaceOrderInput{UserID: user.ID, PhoneNumber: "0551234567", Network: "mtn", DataAmount: dec("1"), Price: dec("6"), Reference: "double-tap"}

	var wg sync.WaitGroup
	results := make([]*OrderResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.PlaceOrder(context.Background(), in)
		}(i)
	}
	wg.Wait()

	duplicates := 0
	for i, err := range errs {
		if err != nil {
			t.Fatalf("PlaceOrder %d: %v", i, err)
		}
		if results[i].Duplicate {
			duplicates++
		}
	}
	if duplicates != 1 {
		t.Fatalf("expected exactly one duplicate result, got %d", duplicates)
	}
	if results[0].Order.ID != results[1].Order.ID {
		t.Fatalf("both callers must see the same order")
	}
	if h.repo.orderCount() != 1 || h.reseller.calls() != 1 {
		t.Fatalf("expected one order and one upstream call, got %d and %d", h.repo.orderCount(), h.reseller.calls())
	}
	if n := len(h.repo.entries("double-tap", domain.TransactionTypePurchase)); n != 1 {
		t.Fatalf("expected one purchase entry, got %d", n)
	}
	if !h.repo.balance(user.ID).Equal(dec("44")) {
		t.Fatalf("expected single debit, balance %s", h.repo.balance(user.ID))
	}
	assertLedgerReplays(t, h.repo, user.ID)
}

func TestPlaceOrder_ReferenceOwnedByAnotherUserConflicts(t *testing.T) {
	h := newHarness(t)
	a := h.repo.addUser("a@example.com", "20")
	b := h.repo.addUser("b@example.com", "20")
	in := PlaceOrderInput{UserID: a.ID, PhoneNumber: "0551234567", Network: "mtn", DataAmount: dec("1"), Price: dec("6"), Reference: "shared-ref"}
	if _, err := h.svc.PlaceOrder(context.Background(), in); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	in.UserID = b.ID
	_, err := h.svc.PlaceOrder(context.Background(), in)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if !h.repo.balance(b.ID).Equal(dec("20")) {
		t.Fatalf("expected no debit for second user")
	}
}

func TestPlaceOrder_InsufficientFundsChangesNothing(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("low@example.com", "10.00")

	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: user.ID, PhoneNumber: "0241234567", Network: "at", DataAmount: dec("5"), Price: dec("23.50"),
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if h.repo.orderCount() != 0 || h.reseller.calls() != 0 {
		t.Fatalf("expected no order and no upstream call")
	}
	if !h.repo.balance(user.ID).Equal(dec("10")) {
		t.Fatalf("expected balance unchanged, got %s", h.repo.balance(user.ID))
	}
}

func TestPlaceOrder_ValidationReportsEachField(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{PhoneNumber: "12345", Network: "vodafone-x", Reference: "a b"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"phone_number", "network", "data_amount", "price", "reference"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("expected error for %s, got %v", field, verr.Fields)
		}
	}
}

func TestPlaceOrder_RejectsAmountsTheLedgerCannotHold(t *testing.T) {
	cases := []struct {
		name       string
		dataAmount string
		price      string
		field      string
	}{
		{"price rounds to zero", "5", "0.004", "price"},
		{"price with three decimals", "5", "23.505", "price"},
		{"data amount with three decimals", "1.555", "10", "data_amount"},
		{"data amount below a hundredth", "0.001", "10", "data_amount"},
		{"negative price", "5", "-1", "price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			user := h.repo.addUser("precise@example.com", "50")
			_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
				UserID: user.ID, PhoneNumber: "0241234567", Network: "at",
				DataAmount: dec(tc.dataAmount), Price: dec(tc.price),
			})
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Fields[tc.field] == "" {
				t.Fatalf("expected %s validation error, got %v", tc.field, err)
			}
			if h.repo.orderCount() != 0 || !h.repo.balance(user.ID).Equal(dec("50")) {
				t.Fatalf("rejected order must not touch the wallet")
			}
		})
	}
}

func TestPlaceOrder_AcceptsTrailingZeros(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("zeros@example.com", "50")
	res, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: user.ID, PhoneNumber: "0241234567", Network: "at",
		DataAmount: dec("5.000"), Price: dec("23.500"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !res.Balance.Equal(dec("26.50")) {
		t.Fatalf("expected balance 26.50, got %s", res.Balance)
	}
}

func TestPlaceOrder_RejectsAFANetwork(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("afa@example.com", "50")
	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: user.ID, PhoneNumber: "0241234567", Network: "afa", DataAmount: dec("1"), Price: dec("5"),
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Fields["network"] == "" {
		t.Fatalf("expected network validation error, got %v", err)
	}
}

func TestPlaceOrder_ConcurrentOrdersNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("race@example.com", "30.00")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
				UserID: user.ID, PhoneNumber: "0241234567", Network: "mtn", DataAmount: dec("2"), Price: dec("10"),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientFunds):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 || insufficient != 2 {
		t.Fatalf("expected 3 successes and 2 rejections, got %d and %d", succeeded, insufficient)
	}
	if !h.repo.balance(user.ID).IsZero() {
		t.Fatalf("expected zero balance, got %s", h.repo.balance(user.ID))
	}
	assertLedgerReplays(t, h.repo, user.ID)
}

func TestPlaceOrder_UnavailableNetwork(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("off@example.com", "50")
	if _, err := h.repo.SetNetworkAvailability(context.Background(), domain.NetworkMTN, false); err != nil {
		t.Fatalf("SetNetworkAvailability: %v", err)
	}
	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: user.ID, PhoneNumber: "0241234567", Network: "MTN", DataAmount: dec("1"), Price: dec("5"),
	})
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
	if !h.repo.balance(user.ID).Equal(dec("50")) {
		t.Fatalf("expected no debit")
	}
}

func TestPlaceOrder_PendingUpstreamSettledByCheckStatus(t *testing.T) {
	h := newHarness(t)
	h.reseller.purchase = func(ctx context.Context, req reseller.PurchaseRequest) (*reseller.PurchaseResult, error) {
		return &reseller.PurchaseResult{Status: reseller.StatusPending, TransactionID: "UP-77"}, nil
	}
	upstreamStatus := reseller.StatusPending
	h.reseller.status = func(ctx context.Context, id string) (*reseller.StatusResult, error) {
		if id != "UP-77" {
			t.Errorf("unexpected upstream id %q", id)
		}
		return &reseller.StatusResult{Status: upstreamStatus}, nil
	}
	user := h.repo.addUser("wait@example.com", "40")

	res, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: user.ID, PhoneNumber: "0241234567", Network: "mtn", DataAmount: dec("3"), Price: dec("15"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %q", res.Order.Status)
	}
	assertLedgerReplays(t, h.repo, user.ID)

	order, err := h.svc.CheckStatus(context.Background(), res.Order.Reference)
	if err != nil || order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected still processing, got %v / %v", order, err)
	}

	upstreamStatus = reseller.StatusCompleted
	order, err = h.svc.CheckStatus(context.Background(), res.Order.Reference)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if order.Status != domain.OrderStatusCompleted || order.CompletedAt == nil {
		t.Fatalf("expected completed order, got %+v", order)
	}
	if !h.repo.balance(user.ID).Equal(dec("25")) {
		t.Fatalf("expected balance 25, got %s", h.repo.balance(user.ID))
	}
	assertLedgerReplays(t, h.repo, user.ID)
}

func TestCheckStatus_UpstreamFailureRefunds(t *testing.T) {
	h := newHarness(t)
	h.reseller.purchase = func(ctx context.Context, req reseller.PurchaseRequest) (*reseller.PurchaseResult, error) {
		return &reseller.PurchaseResult{Status: reseller.StatusPending, TransactionID: "UP-9"}, nil
	}
	h.reseller.status = func(ctx context.Context, id string) (*reseller.StatusResult, error) {
		return &reseller.StatusResult{Status: reseller.StatusFailed, Message: "Recipient not eligible"}, nil
	}
	user := h.repo.addUser("fail@example.com", "20")
	res, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: user.ID, PhoneNumber: "0241234567", Network: "mtn", DataAmount: dec("1"), Price: dec("5"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	order, err := h.svc.CheckStatus(context.Background(), res.Order.Reference)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if order.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed, got %q", order.Status)
	}
	if !h.repo.balance(user.ID).Equal(dec("20")) {
		t.Fatalf("expected refund, balance %s", h.repo.balance(user.ID))
	}

	h.reseller.status = func(ctx context.Context, id string) (*reseller.StatusResult, error) {
		t.Fatalf("terminal order must not be polled")
		return nil, nil
	}
	again, err := h.svc.CheckStatus(context.Background(), res.Order.Reference)
	if err != nil || again.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed order to stay failed, got %v / %v", again, err)
	}
	assertLedgerReplays(t, h.repo, user.ID)
}

func TestCheckStatus_UnknownReference(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CheckStatus(context.Background(), "DBNOPE")
	var nf *NotFoundError
	if !errors.As(err, &nf) || !errors.Is(err, store.ErrOrderNotFound) {
		t.Fatalf("expected order NotFoundError, got %v", err)
	}
}

func TestCheckStatusForUser_OtherUsersOrderIsNotPolled(t *testing.T) {
	h := newHarness(t)
	h.reseller.purchase = func(ctx context.Context, req reseller.PurchaseRequest) (*reseller.PurchaseResult, error) {
		return &reseller.PurchaseResult{Status: reseller.StatusPending, TransactionID: "UP-7"}, nil
	}
	owner := h.repo.addUser("owner@example.com", "20")
	other := h.repo.addUser("nosy@example.com", "20")
	res, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: owner.ID, PhoneNumber: "0241234567", Network: "mtn", DataAmount: dec("1"), Price: dec("5"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	h.reseller.status = func(ctx context.Context, id string) (*reseller.StatusResult, error) {
		t.Fatalf("another user's lookup must not reach the reseller")
		return nil, nil
	}
	_, err = h.svc.CheckStatusForUser(context.Background(), res.Order.Reference, other.ID)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	h.reseller.status = func(ctx context.Context, id string) (*reseller.StatusResult, error) {
		return &reseller.StatusResult{Status: reseller.StatusCompleted}, nil
	}
	order, err := h.svc.CheckStatusForUser(context.Background(), res.Order.Reference, owner.ID)
	if err != nil || order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected owner lookup to settle the order, got %v / %v", order, err)
	}
}

func TestPlaceAFARegistration_CompletesWithoutUpstream(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("afa@example.com", "25")

	res, err := h.svc.PlaceAFARegistration(context.Background(), AFARegistrationInput{
		UserID:      user.ID,
		PhoneNumber: "233241234567",
		FullName:    "Akosua Mensah",
		IDType:      "ghana_card",
		IDNumber:    "GHA-123456789-0",
		DateOfBirth: "1994-03-21",
		Occupation:  "Trader",
		Location:    "Kumasi",
	})
	if err != nil {
		t.Fatalf("PlaceAFARegistration: %v", err)
	}
	if res.Order.Status != domain.OrderStatusCompleted || res.Order.AFA == nil || res.Order.Network != domain.NetworkAFA {
		t.Fatalf("unexpected afa order %+v", res.Order)
	}
	if res.Order.PhoneNumber != "0241234567" {
		t.Fatalf("expected normalized phone number, got %q", res.Order.PhoneNumber)
	}
	if res.Order.DataAmount.LessThan(decimal.NewFromInt(1)) || res.Order.DataAmount.GreaterThan(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected capacity %s", res.Order.DataAmount)
	}
	if h.reseller.calls() != 0 {
		t.Fatalf("afa must not call upstream")
	}
	if !h.repo.balance(user.ID).Equal(dec("15")) {
		t.Fatalf("expected balance 15, got %s", h.repo.balance(user.ID))
	}
	assertLedgerReplays(t, h.repo, user.ID)
}

func TestPlaceAFARegistration_ReportsMissingFields(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.PlaceAFARegistration(context.Background(), AFARegistrationInput{PhoneNumber: "0241234567", DateOfBirth: "21/03/1994"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"full_name", "id_type", "id_number", "occupation", "location", "date_of_birth"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("expected error for %s, got %v", field, verr.Fields)
		}
	}
}

func TestReverseOrder_RefundsOnce(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("rev@example.com", "30")
	res, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: user.ID, PhoneNumber: "0241234567", Network: "mtn", DataAmount: dec("2"), Price: dec("10"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	out, err := h.svc.ReverseOrder(context.Background(), "admin-1", res.Order.Reference, "bundle never delivered")
	if err != nil {
		t.Fatalf("ReverseOrder: %v", err)
	}
	if !out.Balance.Equal(dec("30")) || out.Order.Status != domain.OrderStatusFailed {
		t.Fatalf("unexpected reversal result %+v", out)
	}

	_, err = h.svc.ReverseOrder(context.Background(), "admin-1", res.Order.Reference, "again")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on second reversal, got %v", err)
	}
	if !h.repo.balance(user.ID).Equal(dec("30")) {
		t.Fatalf("expected single refund, balance %s", h.repo.balance(user.ID))
	}
	assertLedgerReplays(t, h.repo, user.ID)
}

func TestReconcileStaleOrders_RedrivesThenFails(t *testing.T) {
	h := newHarness(t)
	user := h.repo.addUser("stale@example.com", "20")

	// An order whose process died between the debit and the upstream call.
	order := &domain.DataOrder{
		UserID: user.ID, Network: domain.NetworkMTN, DataAmount: dec("1"), Price: dec("5"),
		PhoneNumber: "0241234567", Reference: "DBSTALE00001", Status: domain.OrderStatusProcessing,
	}
	hold := &domain.Transaction{
		UserID: user.ID, Type: domain.TransactionTypePurchase, Amount: dec("5"),
		Reference: "DBSTALE00001", Status: domain.TransactionStatusPending,
	}
	if _, err := h.repo.CreateOrderWithDebit(context.Background(), order, hold); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	h.svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	h.reseller.purchase = func(ctx context.Context, req reseller.PurchaseRequest) (*reseller.PurchaseResult, error) {
		return &reseller.PurchaseResult{Status: reseller.StatusPending}, nil
	}
	summary, err := h.svc.ReconcileStaleOrders(context.Background())
	if err != nil {
		t.Fatalf("ReconcileStaleOrders: %v", err)
	}
	if summary.Redriven != 1 || summary.Pending != 1 {
		t.Fatalf("expected one re-driven pending order, got %+v", summary)
	}
	if h.reseller.purchases[0].Reference != "DBSTALE00001" {
		t.Fatalf("expected re-drive to reuse the order reference")
	}

	if _, err := h.svc.ReconcileStaleOrders(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	summary, err = h.svc.ReconcileStaleOrders(context.Background())
	if err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected order failed after max attempts, got %+v", summary)
	}
	if !h.repo.balance(user.ID).Equal(dec("20")) {
		t.Fatalf("expected refund after max attempts, balance %s", h.repo.balance(user.ID))
	}
	assertLedgerReplays(t, h.repo, user.ID)
}

func TestNormalizePhoneNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "0241234567", want: "0241234567", ok: true},
		{in: "024-123-4567", want: "0241234567", ok: true},
		{in: "+233 24 123 4567", want: "0241234567", ok: true},
		{in: "233241234567", want: "0241234567", ok: true},
		{in: "241234567", ok: false},
		{in: "02412345678", ok: false},
		{in: "02412a4567", ok: false},
	}
	for _, tt := range tests {
		got, ok := NormalizePhoneNumber(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("NormalizePhoneNumber(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNewReference_Format(t *testing.T) {
	ref, err := newReference("DB")
	if err != nil {
		t.Fatalf("newReference: %v", err)
	}
	if len(ref) != 12 || ref[:2] != "DB" {
		t.Fatalf("unexpected reference %q", ref)
	}
	for _, c := range ref[2:] {
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			t.Fatalf("unexpected character %q in %q", c, ref)
		}
	}
}
