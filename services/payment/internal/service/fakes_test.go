package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/common/logger"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/metrics"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/repository"
)

// journal 트랜잭션 롤백 시 역순으로 실행할 되돌리기 함수 목록
type journal struct {
	mu   sync.Mutex
	undo []func()
}

type journalKey struct{}

func record(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.mu.Lock()
		j.undo = append(j.undo, undo)
		j.mu.Unlock()
	}
}

// fakeTx 트랜잭션을 직렬화하고 실패 시 journal로 되돌리는 트랜잭션 관리자
type fakeTx struct {
	serial     sync.Mutex
	mu         sync.Mutex
	begun      int
	committed  int
	rolledBack int
}

// observe 트랜잭션 밖의 읽기는 진행 중인 트랜잭션이 끝난 뒤의 커밋된 상태만 본다
func (f *fakeTx) observe(ctx context.Context) func() {
	if f == nil {
		return func() {}
	}
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return func() {}
	}
	f.serial.Lock()
	return f.serial.Unlock
}

func (f *fakeTx) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return fn(ctx)
	}
	return f.run(ctx, fn)
}

func (f *fakeTx) RequiresNew(ctx context.Context, fn func(ctx context.Context) error) error {
	return f.run(ctx, fn)
}

func (f *fakeTx) run(ctx context.Context, fn func(ctx context.Context) error) error {
	f.serial.Lock()
	defer f.serial.Unlock()

	f.mu.Lock()
	f.begun++
	f.mu.Unlock()

	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		f.mu.Lock()
		f.rolledBack++
		f.mu.Unlock()
		return err
	}

	f.mu.Lock()
	f.committed++
	f.mu.Unlock()
	return nil
}

type fakePayments struct {
	tx     *fakeTx
	mu     sync.Mutex
	rows   map[int64]domain.Payment
	nextID int64
	// beforeUpdate 경쟁 상황 재현용 훅
	beforeUpdate func()
}

func newFakePayments(tx *fakeTx) *fakePayments {
	return &fakePayments{tx: tx, rows: make(map[int64]domain.Payment)}
}

func (r *fakePayments) Create(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.TransactionKey == payment.TransactionKey {
			return errors.New(errors.ErrCodeValidation, "duplicate transaction key")
		}
	}
	r.nextID++
	payment.ID = r.nextID
	r.rows[payment.ID] = *payment

	id := payment.ID
	record(ctx, func() {
		r.mu.Lock()
		delete(r.rows, id)
		r.mu.Unlock()
	})
	return nil
}

func (r *fakePayments) FindByID(ctx context.Context, id int64) (*domain.Payment, error) {
	defer r.tx.observe(ctx)()

	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodePaymentNotFound, "payment not found: %d", id)
	}
	return &row, nil
}

func (r *fakePayments) FindByKey(ctx context.Context, key string) (*domain.Payment, error) {
	defer r.tx.observe(ctx)()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.TransactionKey == key || (row.ExternalPaymentKey != "" && row.ExternalPaymentKey == key) {
			found := row
			return &found, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodePaymentNotFound, "payment not found: %s", key)
}

func (r *fakePayments) FindActiveByOrderID(ctx context.Context, orderID int64) (*domain.Payment, error) {
	defer r.tx.observe(ctx)()

	r.mu.Lock()
	defer r.mu.Unlock()

	var found *domain.Payment
	for _, row := range r.rows {
		if row.OrderID != orderID || row.IsTerminal() {
			continue
		}
		if found == nil || row.ID > found.ID {
			candidate := row
			found = &candidate
		}
	}
	if found == nil {
		return nil, errors.Newf(errors.ErrCodePaymentNotFound, "no active payment for order: %d", orderID)
	}
	return found, nil
}

func (r *fakePayments) FindStaleOrderIDs(_ context.Context, createdBefore time.Time, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []int64
	for _, row := range r.rows {
		if !row.IsTerminal() && row.CreatedAt.Before(createdBefore) {
			ids = append(ids, row.OrderID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *fakePayments) Update(ctx context.Context, payment *domain.Payment) error {
	if r.beforeUpdate != nil {
		r.beforeUpdate()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.rows[payment.ID]
	if !ok {
		return errors.Newf(errors.ErrCodePaymentNotFound, "payment not found: %d", payment.ID)
	}
	if prev.Version != payment.Version {
		return errors.Newf(errors.ErrCodeOptimisticLock, "stale version: %d", payment.Version)
	}

	payment.Version++
	r.rows[payment.ID] = *payment
	record(ctx, func() {
		r.mu.Lock()
		r.rows[prev.ID] = prev
		r.mu.Unlock()
	})
	return nil
}

func (r *fakePayments) get(t *testing.T, id int64) domain.Payment {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id]
}

type fakeOrder struct {
	order       domain.Order
	status      string
	completions int
	failures    int
}

type fakeOrders struct {
	mu     sync.Mutex
	orders map[int64]*fakeOrder
	stale  []int64
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[int64]*fakeOrder)}
}

func (o *fakeOrders) add(order domain.Order) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.orders[order.ID] = &fakeOrder{order: order, status: "PENDING"}
}

func (o *fakeOrders) GetOrder(_ context.Context, orderID int64) (*domain.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	row, ok := o.orders[orderID]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeOrderNotFound, "order not found: %d", orderID)
	}
	order := row.order
	order.Status = domain.OrderStatus(row.status)
	order.LineItems = append([]domain.LineItem(nil), row.order.LineItems...)
	return &order, nil
}

func (o *fakeOrders) CompleteOrderWithPayment(ctx context.Context, orderID int64) error {
	return o.transition(ctx, orderID, "COMPLETED")
}

func (o *fakeOrders) FailOrder(ctx context.Context, orderID int64) error {
	return o.transition(ctx, orderID, "FAILED")
}

func (o *fakeOrders) FindStalePendingOrderIDs(_ context.Context, _ time.Time, _ int) ([]int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int64(nil), o.stale...), nil
}

func (o *fakeOrders) transition(ctx context.Context, orderID int64, target string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	row, ok := o.orders[orderID]
	if !ok {
		return errors.Newf(errors.ErrCodeOrderNotFound, "order not found: %d", orderID)
	}
	if row.status == target {
		return nil
	}
	if row.status != "PENDING" {
		return errors.Newf(errors.ErrCodeOrderStateConflict, "order %d is %s", orderID, row.status)
	}

	row.status = target
	if target == "COMPLETED" {
		row.completions++
	} else {
		row.failures++
	}
	record(ctx, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		row.status = "PENDING"
		if target == "COMPLETED" {
			row.completions--
		} else {
			row.failures--
		}
	})
	return nil
}

func (o *fakeOrders) state(orderID int64) fakeOrder {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.orders[orderID]
}

type fakeStock struct {
	mu        sync.Mutex
	available map[int64]int
	decreases int
}

func (s *fakeStock) DecreaseStock(ctx context.Context, items []domain.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		qty, ok := s.available[item.ProductID]
		if !ok {
			return errors.Newf(errors.ErrCodeProductNotFound, "product not found: %d", item.ProductID)
		}
		if qty < item.Quantity {
			return errors.Newf(errors.ErrCodeInsufficientStock, "재고 부족: product=%d", item.ProductID)
		}
	}
	for _, item := range items {
		s.available[item.ProductID] -= item.Quantity
	}
	s.decreases++

	record(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, item := range items {
			s.available[item.ProductID] += item.Quantity
		}
		s.decreases--
	})
	return nil
}

func (s *fakeStock) quantity(productID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available[productID]
}

func (s *fakeStock) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decreases
}

type fakePoints struct {
	mu        sync.Mutex
	balance   map[int64]domain.Money
	rollbacks int
}

func (p *fakePoints) Use(ctx context.Context, userID int64, amount domain.Money) error {
	if amount.IsZero() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.balance[userID] < amount {
		return errors.Newf(errors.ErrCodeInsufficientPoint, "insufficient point: user=%d", userID)
	}
	p.balance[userID] -= amount
	record(ctx, func() {
		p.mu.Lock()
		p.balance[userID] += amount
		p.mu.Unlock()
	})
	return nil
}

func (p *fakePoints) Rollback(ctx context.Context, userID int64, amount domain.Money) error {
	if amount.IsZero() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.balance[userID] += amount
	p.rollbacks++
	record(ctx, func() {
		p.mu.Lock()
		p.balance[userID] -= amount
		p.rollbacks--
		p.mu.Unlock()
	})
	return nil
}

func (p *fakePoints) of(userID int64) domain.Money {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance[userID]
}

type fakeOutbox struct {
	mu     sync.Mutex
	events []*repository.OutboxEvent
	nextID int64
}

func (o *fakeOutbox) Insert(ctx context.Context, event *repository.OutboxEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	event.ID = o.nextID
	o.events = append(o.events, event)

	id := event.ID
	record(ctx, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, e := range o.events {
			if e.ID == id {
				o.events = append(o.events[:i], o.events[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (o *fakeOutbox) FindPending(_ context.Context, limit int) ([]*repository.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var pending []*repository.OutboxEvent
	for _, e := range o.events {
		if e.Status == repository.OutboxStatusPending && len(pending) < limit {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

func (o *fakeOutbox) MarkSent(_ context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.events {
		if e.ID == id {
			e.Status = repository.OutboxStatusSent
		}
	}
	return nil
}

func (o *fakeOutbox) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	types := make([]string, 0, len(o.events))
	for _, e := range o.events {
		types = append(types, e.EventType)
	}
	return types
}

type fakeEscalations struct {
	mu   sync.Mutex
	rows map[int64]*repository.Escalation
}

func (e *fakeEscalations) Create(ctx context.Context, escalation *repository.Escalation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rows[escalation.PaymentID]; ok {
		return nil
	}
	e.rows[escalation.PaymentID] = escalation
	record(ctx, func() {
		e.mu.Lock()
		delete(e.rows, escalation.PaymentID)
		e.mu.Unlock()
	})
	return nil
}

func (e *fakeEscalations) FindOpen(_ context.Context, limit int) ([]*repository.Escalation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var open []*repository.Escalation
	for _, row := range e.rows {
		if len(open) < limit {
			open = append(open, row)
		}
	}
	return open, nil
}

func (e *fakeEscalations) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rows)
}

type fakeGateway struct {
	mu           sync.Mutex
	result       domain.PgCreateResult
	transactions map[string]domain.PgTransaction
	lookupErr    error
	requests     int
	lookups      int
	orderLookups int
}

func (g *fakeGateway) RequestPayment(_ context.Context, _ domain.Money, _ domain.CardInfo, _ int64) domain.PgCreateResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests++
	return g.result
}

func (g *fakeGateway) FindTransaction(_ context.Context, transactionKey string) (*domain.PgTransaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++

	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	tx, ok := g.transactions[transactionKey]
	if !ok {
		return nil, errors.Newf(errors.ErrCodePgTransactionNotFound, "transaction not found: %s", transactionKey)
	}
	return &tx, nil
}

func (g *fakeGateway) FindTransactionsByOrder(_ context.Context, orderID int64) ([]domain.PgTransaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orderLookups++

	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	var found []domain.PgTransaction
	for _, tx := range g.transactions {
		if tx.OrderID == orderID {
			found = append(found, tx)
		}
	}
	return found, nil
}

func (g *fakeGateway) put(tx domain.PgTransaction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transactions[tx.TransactionKey] = tx
}

const (
	testOrderID   int64 = 1
	testUserID    int64 = 7
	testProductID int64 = 100
)

type harness struct {
	tx          *fakeTx
	payments    *fakePayments
	orders      *fakeOrders
	stock       *fakeStock
	points      *fakePoints
	outbox      *fakeOutbox
	escalations *fakeEscalations
	gateway     *fakeGateway
	now         time.Time
	deps        Dependencies

	settlement *Settlement
	service    *PaymentService
	checkout   *Checkout
	callbacks  *CallbackService
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tx := &fakeTx{}
	h := &harness{
		tx:          tx,
		payments:    newFakePayments(tx),
		orders:      newFakeOrders(),
		stock:       &fakeStock{available: map[int64]int{testProductID: 10}},
		points:      &fakePoints{balance: map[int64]domain.Money{testUserID: 20000}},
		outbox:      &fakeOutbox{},
		escalations: &fakeEscalations{rows: make(map[int64]*repository.Escalation)},
		gateway:     &fakeGateway{transactions: make(map[string]domain.PgTransaction)},
		now:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.orders.add(domain.Order{
		ID:          testOrderID,
		UserID:      testUserID,
		TotalAmount: 10000,
		LineItems:   []domain.LineItem{{ProductID: testProductID, Quantity: 1}},
	})

	h.deps = Dependencies{
		Tx:          h.tx,
		Payments:    h.payments,
		Outbox:      h.outbox,
		Escalations: h.escalations,
		Orders:      h.orders,
		Stock:       h.stock,
		Points:      h.points,
		Gateway:     h.gateway,
		Metrics:     metrics.NewNop(),
		Logger:      logger.NewTestLogger(),
		Clock:       func() time.Time { return h.now },
	}
	h.settlement = NewSettlement(h.deps)
	h.service = NewPaymentService(h.deps, h.settlement)
	h.checkout = NewCheckout(h.deps, h.service)
	h.callbacks = NewCallbackService(h.deps, h.settlement)
	h.reconciler = NewReconciler(h.deps, NewRecoveryTxService(h.deps))
	return h
}

func (h *harness) card(t *testing.T) domain.CardInfo {
	t.Helper()
	card, err := domain.NewCardInfo(domain.CardTypeSamsung, "1234-5678-9814-1451")
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	return card
}

// pending PENDING 결제 생성
func (h *harness) pending(t *testing.T, usedPoint domain.Money) *domain.Payment {
	t.Helper()
	order, err := h.orders.GetOrder(context.Background(), testOrderID)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	payment, err := h.service.CreatePending(context.Background(), CreatePendingCommand{
		UserID:    testUserID,
		Order:     order,
		UsedPoint: usedPoint,
		Card:      h.card(t),
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	return payment
}

// inProgress PG 접수까지 완료된 결제 생성
func (h *harness) inProgress(t *testing.T, externalKey string) *domain.Payment {
	t.Helper()
	payment := h.pending(t, 0)
	payment, err := h.service.Initiate(context.Background(), payment.ID, domain.PgAccepted{TransactionKey: externalKey}, h.now)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return payment
}
