package vault

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"digitalvault/pkg/crypto"
	"digitalvault/pkg/models"
	"digitalvault/pkg/signer"
	"digitalvault/pkg/storage"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type fakeLedger struct {
	mu       sync.Mutex
	capsules map[string]*models.CapsuleMetadata
	order    []string

	registerErr error
	listErr     error
	eligible    func(id string, loc *models.Location) (bool, error)
	onQuery     func(ctx context.Context) error

	registerCalls    int
	eligibilityCalls int
	listCalls        int
	lastLocation     *models.Location
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{capsules: make(map[string]*models.CapsuleMetadata)}
}

func (l *fakeLedger) Register(ctx context.Context, meta *models.CapsuleMetadata) (*models.Registration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registerCalls++
	if l.registerErr != nil {
		return nil, l.registerErr
	}
	cp := *meta
	cp.WrappedContentKey = append([]byte(nil), meta.WrappedContentKey...)
	cp.ID = fmt.Sprintf("cap-%d", len(l.order)+1)
	l.capsules[cp.ID] = &cp
	l.order = append(l.order, cp.ID)
	return &models.Registration{ID: cp.ID, Receipt: "rcpt-" + cp.ID, RegisteredAt: testNow}, nil
}

func (l *fakeLedger) QueryEligibility(ctx context.Context, id string, loc *models.Location) (bool, error) {
	l.mu.Lock()
	l.eligibilityCalls++
	l.lastLocation = loc
	eligible, onQuery := l.eligible, l.onQuery
	l.mu.Unlock()

	if onQuery != nil {
		if err := onQuery(ctx); err != nil {
			return false, err
		}
	}
	if eligible == nil {
		return true, nil
	}
	return eligible(id, loc)
}

func (l *fakeLedger) ListCapsules(ctx context.Context, owner string) ([]*models.CapsuleMetadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listCalls++
	if l.listErr != nil {
		return nil, l.listErr
	}
	var out []*models.CapsuleMetadata
	for _, id := range l.order {
		if m := l.capsules[id]; m.Owner == owner {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *fakeLedger) calls() (register, eligibility, list int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registerCalls, l.eligibilityCalls, l.listCalls
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	names   map[string]string

	putErr error
	getErr error
	onPut  func(ctx context.Context) error
	onGet  func(ctx context.Context)
	puts   int
	gets   int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte), names: make(map[string]string)}
}

func (s *fakeStorage) Put(ctx context.Context, data []byte) (string, error) {
	return s.PutWithMetadata(ctx, data, storage.Metadata{})
}

func (s *fakeStorage) PutWithMetadata(ctx context.Context, data []byte, meta storage.Metadata) (string, error) {
	s.mu.Lock()
	s.puts++
	putErr, onPut := s.putErr, s.onPut
	s.mu.Unlock()

	if onPut != nil {
		if err := onPut(ctx); err != nil {
			return "", err
		}
	}
	if putErr != nil {
		return "", putErr
	}
	addr, err := storage.ContentAddress(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[addr] = append([]byte(nil), data...)
	s.names[addr] = meta.Name
	return addr, nil
}

func (s *fakeStorage) Get(ctx context.Context, address string) ([]byte, error) {
	s.mu.Lock()
	s.gets++
	getErr, onGet := s.getErr, s.onGet
	data, ok := s.objects[address]
	s.mu.Unlock()

	if onGet != nil {
		onGet(ctx)
	}
	if getErr != nil {
		return nil, getErr
	}
	if !ok {
		return nil, models.Errorf(models.ErrCodeNotFound, "no object %s", address)
	}
	return append([]byte(nil), data...), nil
}

func (s *fakeStorage) tamper(address string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[address][index] ^= 0x01
}

func (s *fakeStorage) calls() (puts, gets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts, s.gets
}

type countingSigner struct {
	inner Signer
	mu    sync.Mutex
	err   error
	n     int
}

func newCountingSigner(t *testing.T) *countingSigner {
	t.Helper()
	priv, err := signer.GenerateKey()
	require.NoError(t, err)
	s, err := signer.NewEd25519Signer(priv)
	require.NoError(t, err)
	return &countingSigner{inner: s}
}

func (s *countingSigner) Identity() string { return s.inner.Identity() }

func (s *countingSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	s.mu.Lock()
	s.n++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.inner.Sign(ctx, message)
}

func (s *countingSigner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type fakeLocation struct {
	loc *models.Location
	err error
	n   int
}

func (f *fakeLocation) CurrentLocation(ctx context.Context) (*models.Location, error) {
	f.n++
	return f.loc, f.err
}

type harness struct {
	orch    *Orchestrator
	ledger  *fakeLedger
	storage *fakeStorage
	signer  *countingSigner
	session *Session
	states  *stateLog
}

type stateLog struct {
	mu     sync.Mutex
	states []models.LifecycleState
}

func (l *stateLog) record(_ string, to models.LifecycleState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, to)
}

func (l *stateLog) all() []models.LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.LifecycleState(nil), l.states...)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ledger:  newFakeLedger(),
		storage: newFakeStorage(),
		signer:  newCountingSigner(t),
		states:  &stateLog{},
	}
	h.session = &Session{Signer: h.signer}
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithTransitionHook(h.states.record),
	}
	h.orch = NewOrchestrator(crypto.NewEngine(crypto.WithIterations(1000)), h.ledger, h.storage, append(base, opts...)...)
	return h
}

func validCreate() *CreateRequest {
	return &CreateRequest{
		Plaintext:      []byte("open when the harbour freezes"),
		Title:          "Winter letter",
		Description:    "for the grandchildren",
		Classification: models.ClassificationElevated,
		UnlockAt:       testNow.Add(24 * time.Hour),
		Name:           "letter.enc",
	}
}

func (h *harness) seal(t *testing.T, req *CreateRequest) *CreateResult {
	t.Helper()
	res, err := h.orch.Create(context.Background(), h.session, req)
	require.NoError(t, err)
	return res
}
