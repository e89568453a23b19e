package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/carwash-dispatch/internal/models"
)

// MemoryStore keeps everything in process maps. Request updates are
// serialized per request id and provider writes per provider id; the map
// lock itself is only held for copies in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]models.User
	phones    map[string]string
	requests  map[string]models.Request
	locations map[string]models.DriverLocation

	requestLocks  *keyedMutex
	providerLocks *keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]models.User),
		phones:        make(map[string]string),
		requests:      make(map[string]models.Request),
		locations:     make(map[string]models.DriverLocation),
		requestLocks:  newKeyedMutex(),
		providerLocks: newKeyedMutex(),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.phones[u.Phone]; ok {
		return fmt.Errorf("phone %s already registered: %w", u.Phone, models.ErrConflict)
	}
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("user %s exists: %w", u.ID, models.ErrConflict)
	}
	m.users[u.ID] = *u
	m.phones[u.Phone] = u.ID
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return &u, nil
}

func (m *MemoryStore) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.phones[phone]
	if !ok {
		return nil, fmt.Errorf("phone %s: %w", phone, models.ErrNotFound)
	}
	u := m.users[id]
	return &u, nil
}

func (m *MemoryStore) SetVerified(ctx context.Context, id string, verified bool) error {
	unlock := m.providerLocks.Lock(id)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || !u.IsProvider() {
		return fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	u.Verified = verified
	m.users[id] = u
	return nil
}

func (m *MemoryStore) SetProviderStatus(ctx context.Context, providerID string, to models.ProviderStatus, expect ...models.ProviderStatus) error {
	unlock := m.providerLocks.Lock(providerID)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[providerID]
	if !ok || !u.IsProvider() {
		return fmt.Errorf("provider %s: %w", providerID, models.ErrNotFound)
	}
	if len(expect) > 0 && !statusIn(u.Status, expect) {
		return fmt.Errorf("provider %s is %s: %w", providerID, u.Status, models.ErrConflict)
	}
	u.Status = to
	m.users[providerID] = u
	return nil
}

func (m *MemoryStore) UpsertLocation(ctx context.Context, loc models.DriverLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[loc.ProviderID] = loc
	return nil
}

func (m *MemoryStore) GetLocation(ctx context.Context, providerID string) (*models.DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[providerID]
	if !ok {
		return nil, fmt.Errorf("location of %s: %w", providerID, models.ErrNotFound)
	}
	return &loc, nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s exists: %w", r.ID, models.ErrConflict)
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRequestView(ctx context.Context, id string) (*models.RequestView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	v := m.viewLocked(r)
	return &v, nil
}

func (m *MemoryStore) ListPending(ctx context.Context) ([]models.RequestView, error) {
	m.mu.RLock()
	out := make([]models.RequestView, 0)
	for _, r := range m.requests {
		if r.Status == models.StatusPending {
			out = append(out, m.viewLocked(r))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListActiveForProvider(ctx context.Context, providerID string) ([]models.RequestView, error) {
	m.mu.RLock()
	out := make([]models.RequestView, 0)
	for _, r := range m.requests {
		if r.ProviderID == providerID && r.Status.Active() {
			out = append(out, m.viewLocked(r))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].AcceptedAt, out[j].AcceptedAt
		if a != nil && b != nil && !a.Equal(*b) {
			return a.After(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// viewLocked joins display fields; callers hold m.mu.
func (m *MemoryStore) viewLocked(r models.Request) models.RequestView {
	v := models.RequestView{Request: r, RequesterPhone: r.ContactPhone}
	if u, ok := m.users[r.RequesterID]; ok {
		v.RequesterName = u.Name
	}
	if r.ProviderID != "" {
		if p, ok := m.users[r.ProviderID]; ok {
			v.ProviderName = p.Name
			v.ProviderPhone = p.Phone
		}
	}
	return v
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, requestID string, fn func(tx Tx) error) error {
	unlock := m.requestLocks.Lock(requestID)
	defer unlock()

	m.mu.RLock()
	r, ok := m.requests[requestID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
	}

	tx := &memoryTx{store: m, req: r, locked: make(map[string]func()), statuses: make(map[string]models.ProviderStatus)}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memoryTx struct {
	store    *MemoryStore
	req      models.Request
	saved    *models.Request
	locked   map[string]func()
	statuses map[string]models.ProviderStatus
}

func (t *memoryTx) Request() models.Request {
	if t.saved != nil {
		return *t.saved
	}
	return t.req
}

func (t *memoryTx) Provider(ctx context.Context, id string) (models.User, error) {
	if _, ok := t.locked[id]; !ok {
		t.locked[id] = t.store.providerLocks.Lock(id)
	}
	t.store.mu.RLock()
	u, ok := t.store.users[id]
	t.store.mu.RUnlock()
	if !ok || !u.IsProvider() {
		return models.User{}, fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	if s, ok := t.statuses[id]; ok {
		u.Status = s
	}
	return u, nil
}

func (t *memoryTx) SetProviderStatus(ctx context.Context, id string, s models.ProviderStatus) error {
	if _, err := t.Provider(ctx, id); err != nil {
		return err
	}
	t.statuses[id] = s
	return nil
}

func (t *memoryTx) SaveRequest(ctx context.Context, r models.Request) error {
	if r.ID != t.req.ID {
		return fmt.Errorf("save request %s inside update of %s: %w", r.ID, t.req.ID, models.ErrInvalidInput)
	}
	t.saved = &r
	return nil
}

// commit publishes the buffered writes under one map lock so readers see
// request and provider status change together.
func (t *memoryTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.saved != nil {
		t.store.requests[t.saved.ID] = *t.saved
	}
	for id, s := range t.statuses {
		u := t.store.users[id]
		u.Status = s
		t.store.users[id] = u
	}
}

func (t *memoryTx) release() {
	for _, unlock := range t.locked {
		unlock()
	}
}

func statusIn(s models.ProviderStatus, set []models.ProviderStatus) bool {
	for _, e := range set {
		if s == e {
			return true
		}
	}
	return false
}
