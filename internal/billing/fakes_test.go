package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"payrecon/internal/external"
	"payrecon/internal/types"
)

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type memState struct {
	users     map[int64]types.User
	payments  map[string]types.Payment
	subs      []types.Subscription
	nextSubID int64
}

func (s *memState) clone() *memState {
	c := &memState{
		users:     make(map[int64]types.User, len(s.users)),
		payments:  make(map[string]types.Payment, len(s.payments)),
		subs:      make([]types.Subscription, len(s.subs)),
		nextSubID: s.nextSubID,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	copy(c.subs, s.subs)
	return c
}

// memTx is one open transaction. Writes go straight to the shared state and
// are undone in reverse order on rollback.
type memTx struct {
	undo []func(st *memState)
}

// rowLock models the two Postgres row lock modes that matter here:
// FOR UPDATE (exclusive) and FOR KEY SHARE, taken by foreign key checks on
// inserts that reference the row. They conflict with each other; KEY SHARE
// locks do not conflict among themselves.
type rowLock struct {
	exclusive *memTx
	shared    map[*memTx]bool
}

// memStore implements the repository registry and transaction manager.
// Transactions run concurrently. Statements are atomic under mu, user row
// locks are held until commit or rollback, and the partial unique index on
// active subscriptions is enforced across all transactions.
type memStore struct {
	mu    sync.Mutex
	state *memState

	userLocks map[int64]*rowLock
	// released is closed and replaced whenever a transaction ends.
	released chan struct{}

	ops            int
	customerWrites int
	commits        int
	rollbacks      int
	// failSubscriptionCreate is returned by the next Subscriptions().Create.
	failSubscriptionCreate error
}

var (
	_ types.RepositoryRegistry = (*memStore)(nil)
	_ types.TransactionManager = (*memStore)(nil)
)

func newMemStore(users ...types.User) *memStore {
	st := &memState{
		users:    make(map[int64]types.User),
		payments: make(map[string]types.Payment),
	}
	for _, u := range users {
		st.users[u.ID] = u
	}
	return &memStore{
		state:     st,
		userLocks: make(map[int64]*rowLock),
		released:  make(chan struct{}),
	}
}

func (m *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repos types.RepositoryRegistry) error) error {
	tx := &memTx{}
	err := fn(ctx, &memRepos{store: m, tx: tx})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i](m.state)
		}
		m.rollbacks++
	} else {
		m.commits++
	}
	m.releaseLocks(tx)
	return err
}

// lockUser blocks until tx can hold the user row in the requested mode or
// ctx ends. Must be called without mu held.
func (m *memStore) lockUser(ctx context.Context, tx *memTx, userID int64, exclusive bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return types.NewAppError(types.ErrCodeUnavailableStorage, "lock wait canceled", err)
		}
		m.mu.Lock()
		l := m.userLocks[userID]
		if l == nil {
			l = &rowLock{shared: make(map[*memTx]bool)}
			m.userLocks[userID] = l
		}
		if l.grantable(tx, exclusive) {
			if exclusive {
				l.exclusive = tx
			} else {
				l.shared[tx] = true
			}
			m.mu.Unlock()
			return nil
		}
		wait := m.released
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return types.NewAppError(types.ErrCodeUnavailableStorage, "lock wait canceled", ctx.Err())
		}
	}
}

func (l *rowLock) grantable(tx *memTx, exclusive bool) bool {
	if l.exclusive != nil && l.exclusive != tx {
		return false
	}
	if !exclusive {
		return true
	}
	for holder := range l.shared {
		if holder != tx {
			return false
		}
	}
	return true
}

func (m *memStore) releaseLocks(tx *memTx) {
	for id, l := range m.userLocks {
		if l.exclusive == tx {
			l.exclusive = nil
		}
		delete(l.shared, tx)
		if l.exclusive == nil && len(l.shared) == 0 {
			delete(m.userLocks, id)
		}
	}
	close(m.released)
	m.released = make(chan struct{})
}

func (m *memStore) Users() types.UserRepository                 { return memUsers{&memRepos{store: m}} }
func (m *memStore) Payments() types.PaymentRepository           { return memPayments{&memRepos{store: m}} }
func (m *memStore) Subscriptions() types.SubscriptionRepository { return memSubs{&memRepos{store: m}} }

func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memStore) opCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops
}

func (m *memStore) txCounts() (commits, rollbacks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits, m.rollbacks
}

func (m *memStore) activeFor(userID int64) []types.Subscription {
	var out []types.Subscription
	for _, s := range m.snapshot().subs {
		if s.UserID == userID && s.IsActive {
			out = append(out, s)
		}
	}
	return out
}

// memRepos runs inside tx when set, otherwise each statement auto-commits.
type memRepos struct {
	store *memStore
	tx    *memTx
}

func (r *memRepos) Users() types.UserRepository                 { return memUsers{r} }
func (r *memRepos) Payments() types.PaymentRepository           { return memPayments{r} }
func (r *memRepos) Subscriptions() types.SubscriptionRepository { return memSubs{r} }

// with runs one statement atomically.
func (r *memRepos) with(fn func(st *memState) error) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.ops++
	return fn(r.store.state)
}

// onRollback registers an undo step. Only valid inside with.
func (r *memRepos) onRollback(undo func(st *memState)) {
	if r.tx != nil {
		r.tx.undo = append(r.tx.undo, undo)
	}
}

// keyShare takes the lock a foreign key check on users takes.
func (r *memRepos) keyShare(ctx context.Context, userID int64) error {
	if r.tx == nil {
		return nil
	}
	return r.store.lockUser(ctx, r.tx, userID, false)
}

func userNotFound(id any) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundUser, "user not found", nil, map[string]any{"user": id})
}

type memUsers struct{ *memRepos }

func (r memUsers) GetByID(_ context.Context, id int64) (*types.User, error) {
	var out *types.User
	err := r.with(func(st *memState) error {
		u, ok := st.users[id]
		if !ok {
			return userNotFound(id)
		}
		out = &u
		return nil
	})
	return out, err
}

func (r memUsers) GetByCustomerID(_ context.Context, customerID string) (*types.User, error) {
	var out *types.User
	err := r.with(func(st *memState) error {
		for _, u := range st.users {
			if u.CustomerID != "" && u.CustomerID == customerID {
				u := u
				out = &u
				return nil
			}
		}
		return userNotFound(customerID)
	})
	return out, err
}

func (r memUsers) UpdateCustomerID(_ context.Context, userID int64, customerID string) error {
	return r.with(func(st *memState) error {
		u, ok := st.users[userID]
		if !ok {
			return userNotFound(userID)
		}
		prev := u.CustomerID
		u.CustomerID = customerID
		st.users[userID] = u
		r.store.customerWrites++
		r.onRollback(func(st *memState) {
			u := st.users[userID]
			u.CustomerID = prev
			st.users[userID] = u
		})
		return nil
	})
}

func (r memUsers) LockForUpdate(ctx context.Context, userID int64) error {
	err := r.with(func(st *memState) error {
		if _, ok := st.users[userID]; !ok {
			return userNotFound(userID)
		}
		return nil
	})
	if err != nil || r.tx == nil {
		return err
	}
	return r.store.lockUser(ctx, r.tx, userID, true)
}

type memPayments struct{ *memRepos }

func (r memPayments) CreateIfAbsent(ctx context.Context, p *types.Payment) (bool, error) {
	if err := r.keyShare(ctx, p.UserID); err != nil {
		return false, err
	}
	created := false
	err := r.with(func(st *memState) error {
		if _, ok := st.users[p.UserID]; !ok {
			return userNotFound(p.UserID)
		}
		if _, ok := st.payments[p.PaymentID]; ok {
			return nil
		}
		st.payments[p.PaymentID] = *p
		created = true
		id := p.PaymentID
		r.onRollback(func(st *memState) { delete(st.payments, id) })
		return nil
	})
	return created, err
}

func (r memPayments) GetByID(_ context.Context, paymentID string) (*types.Payment, error) {
	var out *types.Payment
	err := r.with(func(st *memState) error {
		p, ok := st.payments[paymentID]
		if !ok {
			return types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
		}
		out = &p
		return nil
	})
	return out, err
}

func (r memPayments) UpdateStatus(_ context.Context, paymentID string, status types.PaymentStatus) error {
	return r.with(func(st *memState) error {
		p, ok := st.payments[paymentID]
		if !ok {
			return types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
		}
		prev := p.Status
		p.Status = status
		st.payments[paymentID] = p
		r.onRollback(func(st *memState) {
			p := st.payments[paymentID]
			p.Status = prev
			st.payments[paymentID] = p
		})
		return nil
	})
}

func (r memPayments) ListByUser(_ context.Context, userID int64) ([]*types.Payment, error) {
	out := []*types.Payment{}
	err := r.with(func(st *memState) error {
		for _, p := range st.payments {
			if p.UserID == userID {
				p := p
				out = append(out, &p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.After(out[j].PaidAt) })
	return out, err
}

type memSubs struct{ *memRepos }

func (r memSubs) GetActive(_ context.Context, userID int64) (*types.Subscription, error) {
	var out *types.Subscription
	err := r.with(func(st *memState) error {
		for _, s := range st.subs {
			if s.UserID == userID && s.IsActive {
				s := s
				out = &s
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r memSubs) GetByPaymentID(_ context.Context, paymentID string) (*types.Subscription, error) {
	var out *types.Subscription
	err := r.with(func(st *memState) error {
		for _, s := range st.subs {
			if s.PaymentID == paymentID {
				s := s
				out = &s
				return nil
			}
		}
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	})
	return out, err
}

// Create enforces the payment id constraint and the one-active-per-user
// partial index against every row, committed or not.
func (r memSubs) Create(ctx context.Context, sub *types.Subscription) error {
	if err := r.keyShare(ctx, sub.UserID); err != nil {
		return err
	}
	return r.with(func(st *memState) error {
		if err := r.store.failSubscriptionCreate; err != nil {
			r.store.failSubscriptionCreate = nil
			return err
		}
		for _, s := range st.subs {
			if s.PaymentID == sub.PaymentID || (sub.IsActive && s.IsActive && s.UserID == sub.UserID) {
				return types.NewAppError(types.ErrCodeConflictConcurrent, "unique violation", nil)
			}
		}
		st.nextSubID++
		sub.ID = st.nextSubID
		st.subs = append(st.subs, *sub)
		id := sub.ID
		r.onRollback(func(st *memState) {
			for i := range st.subs {
				if st.subs[i].ID == id {
					st.subs = append(st.subs[:i], st.subs[i+1:]...)
					return
				}
			}
		})
		return nil
	})
}

func (r memSubs) Deactivate(_ context.Context, id int64, at time.Time) error {
	return r.with(func(st *memState) error {
		for i := range st.subs {
			if st.subs[i].ID == id && st.subs[i].IsActive {
				st.subs[i].IsActive = false
				st.subs[i].DeactivatedAt = &at
				r.onRollback(func(st *memState) {
					for i := range st.subs {
						if st.subs[i].ID == id {
							st.subs[i].IsActive = true
							st.subs[i].DeactivatedAt = nil
						}
					}
				})
				return nil
			}
		}
		return types.NewAppError(types.ErrCodeConflictConcurrent, "subscription is no longer active", nil)
	})
}

func (r memSubs) ListByUser(_ context.Context, userID int64) ([]*types.Subscription, error) {
	out := []*types.Subscription{}
	err := r.with(func(st *memState) error {
		for i := len(st.subs) - 1; i >= 0; i-- {
			if st.subs[i].UserID == userID {
				s := st.subs[i]
				out = append(out, &s)
			}
		}
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Fake payment provider
// ---------------------------------------------------------------------------

type fakeProvider struct {
	mu sync.Mutex

	customers       map[string]*external.Customer
	deletedCustomer map[string]bool
	idempotent      map[string]string
	prices          map[string]*external.Price
	sessions        map[string]*external.CheckoutSession
	products        []types.Product

	calls        map[string]int
	lastCheckout external.CheckoutSessionParams
	checkoutURL  string
	nextID       int

	createCustomerErr error
	getSessionErr     error

	// createGate, when set, holds CreateCustomer until closed or ctx ends.
	createGate    chan struct{}
	createEntered chan struct{}
}

var _ external.PaymentProvider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customers:       make(map[string]*external.Customer),
		deletedCustomer: make(map[string]bool),
		idempotent:      make(map[string]string),
		prices:          make(map[string]*external.Price),
		sessions:        make(map[string]*external.CheckoutSession),
		calls:           make(map[string]int),
		checkoutURL:     "https://checkout.stripe.test/c/pay/cs_test",
	}
}

func (f *fakeProvider) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProvider) GetCustomer(_ context.Context, id string) (*external.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetCustomer"]++
	c, ok := f.customers[id]
	if !ok || f.deletedCustomer[id] {
		return nil, types.NewAppError(types.ErrCodeNotFoundCustomer, "customer not found", nil)
	}
	return c, nil
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, p external.CustomerParams) (*external.Customer, error) {
	if f.createGate != nil {
		if f.createEntered != nil {
			f.createEntered <- struct{}{}
		}
		select {
		case <-f.createGate:
		case <-ctx.Done():
			return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "request canceled", ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateCustomer"]++
	if f.createCustomerErr != nil {
		return nil, f.createCustomerErr
	}
	if id, ok := f.idempotent[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return f.customers[id], nil
	}
	f.nextID++
	c := &external.Customer{ID: fmt.Sprintf("cus_%d", f.nextID), Email: p.Email, Name: p.Name, Metadata: p.Metadata}
	f.customers[c.ID] = c
	f.idempotent[p.IdempotencyKey] = c.ID
	return c, nil
}

func (f *fakeProvider) FindActivePrice(_ context.Context, productID, currency string) (*external.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["FindActivePrice"]++
	p, ok := f.prices[productID]
	if !ok || p.Currency != currency {
		return nil, types.NewAppError(types.ErrCodeNotFoundPrice, "no active price", nil)
	}
	return p, nil
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, p external.CheckoutSessionParams) (*external.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateCheckoutSession"]++
	f.lastCheckout = p
	f.nextID++
	return &external.CheckoutSession{ID: fmt.Sprintf("cs_%d", f.nextID), URL: f.checkoutURL}, nil
}

func (f *fakeProvider) GetCheckoutSession(_ context.Context, id string) (*external.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetCheckoutSession"]++
	if f.getSessionErr != nil {
		return nil, f.getSessionErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundCheckoutSession, "session not found", nil)
	}
	return s, nil
}

func (f *fakeProvider) ListProducts(context.Context) ([]types.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListProducts"]++
	return f.products, nil
}

func (f *fakeProvider) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// completedSession registers an expanded session for a one-item purchase.
func (f *fakeProvider) completedSession(sessionID, paymentIntentID, productID, customerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = &external.CheckoutSession{
		ID:              sessionID,
		Status:          "complete",
		PaymentStatus:   "paid",
		CustomerID:      customerID,
		PaymentIntentID: paymentIntentID,
		LineItems:       []external.LineItem{{PriceID: "price_" + productID, ProductID: productID, Quantity: 1}},
	}
}

// ---------------------------------------------------------------------------
// Publisher, metrics, clock
// ---------------------------------------------------------------------------

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.SubscriptionChangedEvent
	err    error
}

func (p *recordingPublisher) PublishSubscriptionChanged(_ context.Context, evt types.SubscriptionChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) published() []types.SubscriptionChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.SubscriptionChangedEvent(nil), p.events...)
}

type recordingMetrics struct {
	mu          sync.Mutex
	outcomes    map[Outcome]int
	failures    map[types.ErrorCode]int
	transitions map[TransitionKind]int
	checkouts   int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		outcomes:    make(map[Outcome]int),
		failures:    make(map[types.ErrorCode]int),
		transitions: make(map[TransitionKind]int),
	}
}

func (m *recordingMetrics) CheckoutCreated(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkouts++
}

func (m *recordingMetrics) CheckoutFailed(code types.ErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[code]++
}

func (m *recordingMetrics) WebhookProcessed(_ string, o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[o]++
}

func (m *recordingMetrics) WebhookFailed(_ string, code types.ErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[code]++
}

func (m *recordingMetrics) SubscriptionTransitioned(k TransitionKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[k]++
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

// Now advances one second per call so activation order is observable.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// ---------------------------------------------------------------------------
// Signed deliveries
// ---------------------------------------------------------------------------

const testWebhookSecret = "whsec_billing_test"

type signedDelivery struct {
	payload []byte
	header  string
}

func signEvent(t *testing.T, eventID, eventType, sessionID string) signedDelivery {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      eventID,
		"object":  "event",
		"type":    eventType,
		"created": time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC).Unix(),
		"data":    map[string]any{"object": map[string]any{"id": sessionID, "object": "checkout.session"}},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: testWebhookSecret})
	return signedDelivery{payload: signed.Payload, header: signed.Header}
}
