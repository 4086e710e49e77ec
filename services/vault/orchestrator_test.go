package vault

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"digitalvault/pkg/crypto"
	"digitalvault/pkg/models"
	"digitalvault/pkg/signer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireFailure(t *testing.T, err error, code string, step models.Step) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, models.CodeOf(err), err.Error())
	assert.Equal(t, step, models.StepOf(err), err.Error())
}

func TestCreateUnlock_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := h.seal(t, validCreate())
	assert.Equal(t, "cap-1", created.ID)
	assert.Equal(t, "rcpt-cap-1", created.Receipt)
	assert.True(t, strings.HasPrefix(created.ContentPointer, "Qm"), created.ContentPointer)
	assert.NotEmpty(t, created.DraftID)
	assert.Equal(t, "letter.enc", h.storage.names[created.ContentPointer])

	registered := h.ledger.capsules[created.ID]
	require.NotNil(t, registered)
	assert.Equal(t, h.signer.Identity(), registered.Owner)
	assert.Equal(t, created.ContentPointer, registered.ContentPointer)
	assert.Len(t, registered.WrappedContentKey, crypto.NonceSize+crypto.KeySize+crypto.TagSize)

	stored, ok := h.orch.Registry().Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateSealed, stored.State)
	_, ok = h.orch.Registry().Get(created.DraftID)
	assert.False(t, ok, "draft key must be replaced by the ledger id")

	unlocked, err := h.orch.Unlock(ctx, h.session, &UnlockRequest{ID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, "open when the harbour freezes", string(unlocked.Plaintext))
	assert.Equal(t, "Winter letter", unlocked.Title)
	assert.Equal(t, testNow, unlocked.UnlockedAt)

	stored, _ = h.orch.Registry().Get(created.ID)
	assert.Equal(t, models.StateUnlocked, stored.State)
	assert.Equal(t, 2, h.signer.calls())

	assert.Equal(t, []models.LifecycleState{
		models.StateEncrypting, models.StateUploading, models.StateKeyWrapping,
		models.StateRegistering, models.StateSealed,
		models.StateUnlocking, models.StateUnlocked,
	}, h.states.all())
}

func TestDeriveWrappingKey_StableForOneIdentity(t *testing.T) {
	// RFC 8032 test key 1.
	seed, err := hex.DecodeString("9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60")
	require.NoError(t, err)
	s, err := signer.NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
	require.NoError(t, err)

	h := newHarness(t)
	key, err := h.orch.deriveWrappingKey(context.Background(), &Session{Signer: s})
	require.NoError(t, err)
	defer key.Destroy()
	// PBKDF2-SHA256 at the harness's 1000 iterations over the signature of
	// DefaultChallenge.
	assert.Equal(t, "6f99b13b548d9b175a002363f8797e95315825d9bdb8d28345c091f841757742", hex.EncodeToString(key.Bytes()))
}

func TestCreate_RejectsInvalidInputBeforeAnyCall(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CreateRequest)
		session func(*harness) *Session
		cause   error
	}{
		{"empty plaintext", func(r *CreateRequest) { r.Plaintext = nil }, nil, models.ErrEmptyContent},
		{"blank title", func(r *CreateRequest) { r.Title = "   " }, nil, models.ErrMissingTitle},
		{"undefined classification", func(r *CreateRequest) { r.Classification = models.Classification(7) }, nil, models.ErrInvalidClass},
		{"unlock time now", func(r *CreateRequest) { r.UnlockAt = testNow }, nil, models.ErrUnlockNotInFuture},
		{"unlock time past", func(r *CreateRequest) { r.UnlockAt = testNow.Add(-time.Minute) }, nil, models.ErrUnlockNotInFuture},
		{"unlock time within the current second", func(r *CreateRequest) { r.UnlockAt = testNow.Add(500 * time.Millisecond) }, nil, models.ErrUnlockNotInFuture},
		{"radius below one meter", func(r *CreateRequest) {
			r.Geofence = &models.Geofence{Latitude: 10, Longitude: 10, RadiusMeters: 0.4}
		}, nil, models.ErrInvalidRadius},
		{"radius just under one meter", func(r *CreateRequest) {
			r.Geofence = &models.Geofence{Latitude: 10, Longitude: 10, RadiusMeters: 0.99}
		}, nil, models.ErrInvalidRadius},
		{"zero radius", func(r *CreateRequest) {
			r.Geofence = &models.Geofence{Latitude: 10, Longitude: 10, RadiusMeters: 0}
		}, nil, models.ErrInvalidRadius},
		{"latitude out of range", func(r *CreateRequest) {
			r.Geofence = &models.Geofence{Latitude: 91, Longitude: 10, RadiusMeters: 100}
		}, nil, models.ErrInvalidLatitude},
		{"no signer", nil, func(*harness) *Session { return &Session{} }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := validCreate()
			if tt.mutate != nil {
				tt.mutate(req)
			}
			session := h.session
			if tt.session != nil {
				session = tt.session(h)
			}

			res, err := h.orch.Create(context.Background(), session, req)
			assert.Nil(t, res)
			requireFailure(t, err, models.ErrCodeInvalidInput, models.StepValidate)
			assert.Equal(t, models.KindValidation, models.KindOf(err))
			if tt.cause != nil {
				assert.ErrorIs(t, err, tt.cause)
			}

			puts, gets := h.storage.calls()
			register, eligibility, list := h.ledger.calls()
			assert.Zero(t, puts+gets+register+eligibility+list)
			assert.Zero(t, h.signer.calls())
			assert.Zero(t, h.orch.Registry().Len())
		})
	}
}

func TestCreate_SealsAtLedgerPrecision(t *testing.T) {
	h := newHarness(t)
	req := validCreate()
	req.UnlockAt = testNow.Add(2*time.Second + 700*time.Millisecond)
	req.Geofence = &models.Geofence{Latitude: 59.3293, Longitude: 18.0686, RadiusMeters: 500.6}

	created := h.seal(t, req)

	registered := h.ledger.capsules[created.ID]
	require.NotNil(t, registered)
	assert.Equal(t, testNow.Add(2*time.Second), registered.UnlockAt)
	assert.Equal(t, 500.0, registered.Geofence.RadiusMeters)

	stored, ok := h.orch.Registry().Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, registered.UnlockAt, stored.UnlockAt)
	assert.Equal(t, 500.0, stored.Geofence.RadiusMeters)
	assert.Equal(t, 500.6, req.Geofence.RadiusMeters, "caller's request is left untouched")
}

func TestCreate_StorageFailureStopsPipeline(t *testing.T) {
	h := newHarness(t)
	h.storage.putErr = models.Errorf(models.ErrCodeStorageUnavailable, "pinning quota exceeded")

	_, err := h.orch.Create(context.Background(), h.session, validCreate())
	requireFailure(t, err, models.ErrCodeStorageUnavailable, models.StepUpload)

	register, _, _ := h.ledger.calls()
	assert.Zero(t, register)
	assert.Zero(t, h.signer.calls())

	failed := h.orch.Registry().List(Filter{State: models.StateFailed})
	require.Len(t, failed, 1)
	assert.Empty(t, failed[0].ID)
	assert.Equal(t, models.StepUpload, failed[0].Failure.Step)
}

func TestCreate_UntypedStorageErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"plain error", errors.New("connection reset"), models.ErrCodeStorageUnavailable},
		{"deadline", context.DeadlineExceeded, models.ErrCodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.storage.putErr = tt.err
			_, err := h.orch.Create(context.Background(), h.session, validCreate())
			requireFailure(t, err, tt.wantCode, models.StepUpload)
		})
	}
}

func TestCreate_RegisterFailureLeavesCapsuleFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rejected", models.Errorf(models.ErrCodeLedgerRejected, "owner over quota")},
		{"transport", errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ledger.registerErr = tt.err

			_, err := h.orch.Create(context.Background(), h.session, validCreate())
			requireFailure(t, err, models.ErrCodeLedgerRejected, models.StepRegister)

			puts, _ := h.storage.calls()
			assert.Equal(t, 1, puts)
			assert.Equal(t, 1, h.signer.calls())

			failed := h.orch.Registry().List(Filter{State: models.StateFailed})
			require.Len(t, failed, 1)
			assert.Equal(t, models.StepRegister, failed[0].Failure.Step)
			assert.NotEmpty(t, failed[0].ContentPointer)
			assert.NotEmpty(t, failed[0].WrappedContentKey)
		})
	}
}

type idlessLedger struct{ *fakeLedger }

func (l idlessLedger) Register(ctx context.Context, meta *models.CapsuleMetadata) (*models.Registration, error) {
	return &models.Registration{Receipt: "r"}, nil
}

func TestCreate_LedgerWithoutID(t *testing.T) {
	h := newHarness(t)
	orch := NewOrchestrator(crypto.NewEngine(crypto.WithIterations(1000)), idlessLedger{h.ledger}, h.storage,
		WithClock(func() time.Time { return testNow }))

	_, err := orch.Create(context.Background(), h.session, validCreate())
	requireFailure(t, err, models.ErrCodeLedgerRejected, models.StepRegister)
}

func TestCreate_SignerFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"declined", models.Errorf(models.ErrCodeUserDeclined, "user said no"), models.ErrCodeUserDeclined},
		{"unreachable", errors.New("agent socket closed"), models.ErrCodeSignerUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.signer.err = tt.err

			_, err := h.orch.Create(context.Background(), h.session, validCreate())
			requireFailure(t, err, tt.wantCode, models.StepSign)

			register, _, _ := h.ledger.calls()
			assert.Zero(t, register)
		})
	}
}

func TestCreate_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Create(ctx, h.session, validCreate())
	requireFailure(t, err, models.ErrCodeTimeout, models.StepAcquireLock)
	assert.ErrorIs(t, err, context.Canceled)

	puts, _ := h.storage.calls()
	assert.Zero(t, puts)
	assert.Zero(t, h.orch.Registry().Len())
}

func TestCreate_CancelledDuringUpload(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.storage.onPut = func(putCtx context.Context) error {
		cancel()
		<-putCtx.Done()
		return putCtx.Err()
	}

	_, err := h.orch.Create(ctx, h.session, validCreate())
	requireFailure(t, err, models.ErrCodeTimeout, models.StepUpload)
	assert.ErrorIs(t, err, context.Canceled)

	register, _, _ := h.ledger.calls()
	assert.Zero(t, register)
	assert.Zero(t, h.signer.calls())
	assert.Len(t, h.orch.Registry().List(Filter{State: models.StateFailed}), 1)
}

func TestCreate_CancellationAfterUploadIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.storage.onPut = func(context.Context) error {
		cancel()
		return nil
	}

	res, err := h.orch.Create(ctx, h.session, validCreate())
	require.NoError(t, err)
	assert.Equal(t, "cap-1", res.ID)

	stored, ok := h.orch.Registry().Get(res.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateSealed, stored.State)
}

func TestUnlock_NotEligibleNeverSigns(t *testing.T) {
	h := newHarness(t)
	created := h.seal(t, validCreate())
	h.ledger.eligible = func(string, *models.Location) (bool, error) { return false, nil }

	res, err := h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: created.ID})
	assert.Nil(t, res)
	requireFailure(t, err, models.ErrCodeNotEligible, models.StepQueryEligibility)
	assert.Equal(t, models.KindPolicy, models.KindOf(err))
	assert.Contains(t, err.Error(), string(models.ReasonTimePending))

	assert.Equal(t, 1, h.signer.calls(), "only the create signature")
	_, gets := h.storage.calls()
	assert.Zero(t, gets)

	stored, _ := h.orch.Registry().Get(created.ID)
	assert.Equal(t, models.StateFailed, stored.State)
	assert.Equal(t, models.ErrCodeNotEligible, stored.Failure.Code)
}

func TestUnlock_RetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	created := h.seal(t, validCreate())

	h.ledger.eligible = func(string, *models.Location) (bool, error) { return false, nil }
	_, err := h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: created.ID})
	require.Error(t, err)

	h.ledger.eligible = nil
	res, err := h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: created.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Plaintext)

	stored, _ := h.orch.Registry().Get(created.ID)
	assert.Equal(t, models.StateUnlocked, stored.State)
	assert.Nil(t, stored.Failure)
}

func TestUnlock_WrongSignerFailsAuthentication(t *testing.T) {
	h := newHarness(t)
	created := h.seal(t, validCreate())

	intruder := &Session{Signer: newCountingSigner(t)}
	_, err := h.orch.Unlock(context.Background(), intruder, &UnlockRequest{ID: created.ID})
	requireFailure(t, err, models.ErrCodeAuthenticationFailed, models.StepUnwrapKey)
	assert.ErrorIs(t, err, models.ErrAuthenticationFailed)

	_, gets := h.storage.calls()
	assert.Zero(t, gets, "ciphertext is only fetched after the key unwraps")
}

func TestUnlock_TamperedCiphertext(t *testing.T) {
	for _, index := range []int{0, crypto.NonceSize, crypto.NonceSize + 5} {
		h := newHarness(t)
		created := h.seal(t, validCreate())
		h.storage.tamper(created.ContentPointer, index)

		_, err := h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: created.ID})
		requireFailure(t, err, models.ErrCodeAuthenticationFailed, models.StepDecrypt)
	}
}

func TestUnlock_DownloadFailure(t *testing.T) {
	h := newHarness(t)
	created := h.seal(t, validCreate())
	h.storage.getErr = errors.New("all gateways failed")

	_, err := h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: created.ID})
	requireFailure(t, err, models.ErrCodeStorageUnavailable, models.StepDownload)
}

func TestUnlock_LedgerErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"rejected", models.Errorf(models.ErrCodeLedgerRejected, "revoked"), models.ErrCodeLedgerRejected},
		{"unknown on ledger", models.Errorf(models.ErrCodeNotFound, "no such capsule"), models.ErrCodeNotFound},
		{"untyped", errors.New("bad gateway"), models.ErrCodeLedgerRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			created := h.seal(t, validCreate())
			h.ledger.eligible = func(string, *models.Location) (bool, error) { return false, tt.err }

			_, err := h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: created.ID})
			requireFailure(t, err, tt.wantCode, models.StepQueryEligibility)
			assert.Equal(t, 1, h.signer.calls())
		})
	}
}

func TestUnlock_LedgerTimeout(t *testing.T) {
	h := newHarness(t, WithTimeouts(Timeouts{
		Ledger:   20 * time.Millisecond,
		Storage:  time.Second,
		Signer:   time.Second,
		Location: time.Second,
	}))
	created := h.seal(t, validCreate())
	h.ledger.onQuery = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: created.ID})
	requireFailure(t, err, models.ErrCodeTimeout, models.StepQueryEligibility)
	assert.Contains(t, err.Error(), "timed out")
}

func TestUnlock_RefreshesUnknownCapsule(t *testing.T) {
	h := newHarness(t)
	created := h.seal(t, validCreate())

	// A second session on the same ledger and store starts with an empty registry.
	other := NewOrchestrator(crypto.NewEngine(crypto.WithIterations(1000)), h.ledger, h.storage,
		WithClock(func() time.Time { return testNow }))

	res, err := other.Unlock(context.Background(), h.session, &UnlockRequest{ID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, validCreate().Plaintext, res.Plaintext)

	_, _, list := h.ledger.calls()
	assert.GreaterOrEqual(t, list, 1)
}

func TestUnlock_UnknownCapsule(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: "cap-404"})
	requireFailure(t, err, models.ErrCodeNotFound, models.StepRefresh)
	assert.ErrorIs(t, err, models.ErrCapsuleNotFound)

	h.ledger.listErr = errors.New("ledger down")
	_, err = h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: "cap-404"})
	requireFailure(t, err, models.ErrCodeLedgerRejected, models.StepRefresh)

	_, eligibility, _ := h.ledger.calls()
	assert.Zero(t, eligibility)
}

func TestUnlock_RejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name    string
		session *Session
		req     *UnlockRequest
	}{
		{"nil request", h.session, nil},
		{"blank id", h.session, &UnlockRequest{ID: "  "}},
		{"bad latitude", h.session, &UnlockRequest{ID: "cap-1", Location: &models.Location{Latitude: 120}}},
		{"negative accuracy", h.session, &UnlockRequest{ID: "cap-1", Location: &models.Location{AccuracyMeters: -1}}},
		{"nil session", nil, &UnlockRequest{ID: "cap-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Unlock(context.Background(), tt.session, tt.req)
			requireFailure(t, err, models.ErrCodeInvalidInput, models.StepValidate)
		})
	}
	_, eligibility, list := h.ledger.calls()
	assert.Zero(t, eligibility+list)
}

func geofencedCreate() *CreateRequest {
	req := validCreate()
	req.Geofence = &models.Geofence{Latitude: 59.3293, Longitude: 18.0686, RadiusMeters: 500}
	return req
}

func TestUnlock_AcquiresLocationForGeofencedCapsule(t *testing.T) {
	h := newHarness(t)
	created := h.seal(t, geofencedCreate())

	fix := &models.Location{Latitude: 59.3300, Longitude: 18.0690, AccuracyMeters: 8}
	provider := &fakeLocation{loc: fix}
	session := &Session{Signer: h.signer, Location: provider}

	res, err := h.orch.Unlock(context.Background(), session, &UnlockRequest{ID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.n)
	assert.Equal(t, fix, h.ledger.lastLocation)
	require.NotNil(t, res.Eligibility.DistanceMeters)
	assert.Less(t, *res.Eligibility.DistanceMeters, 500.0)
}

func TestUnlock_ExplicitLocationSkipsProvider(t *testing.T) {
	h := newHarness(t)
	created := h.seal(t, geofencedCreate())

	provider := &fakeLocation{err: errors.New("must not be called")}
	session := &Session{Signer: h.signer, Location: provider}
	explicit := &models.Location{Latitude: 59.3293, Longitude: 18.0686}

	_, err := h.orch.Unlock(context.Background(), session, &UnlockRequest{ID: created.ID, Location: explicit})
	require.NoError(t, err)
	assert.Zero(t, provider.n)
	assert.Equal(t, explicit, h.ledger.lastLocation)
}

func TestUnlock_NonGeofencedCapsuleSkipsProvider(t *testing.T) {
	h := newHarness(t)
	created := h.seal(t, validCreate())

	provider := &fakeLocation{err: errors.New("must not be called")}
	_, err := h.orch.Unlock(context.Background(), &Session{Signer: h.signer, Location: provider}, &UnlockRequest{ID: created.ID})
	require.NoError(t, err)
	assert.Zero(t, provider.n)
	assert.Nil(t, h.ledger.lastLocation)
}

func TestUnlock_LocationFailures(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeLocation
		wantCode string
	}{
		{"permission denied", &fakeLocation{err: models.Errorf(models.ErrCodePermissionDenied, "denied")}, models.ErrCodePermissionDenied},
		{"untyped failure", &fakeLocation{err: errors.New("gps off")}, models.ErrCodeLocationUnavailable},
		{"provider deadline", &fakeLocation{err: context.DeadlineExceeded}, models.ErrCodeTimeout},
		{"no fix", &fakeLocation{}, models.ErrCodeLocationUnavailable},
		{"invalid fix", &fakeLocation{loc: &models.Location{Latitude: 95}}, models.ErrCodeLocationUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			created := h.seal(t, geofencedCreate())

			session := &Session{Signer: h.signer, Location: tt.provider}
			_, err := h.orch.Unlock(context.Background(), session, &UnlockRequest{ID: created.ID})
			requireFailure(t, err, tt.wantCode, models.StepLocate)

			_, eligibility, _ := h.ledger.calls()
			assert.Zero(t, eligibility)
			stored, _ := h.orch.Registry().Get(created.ID)
			assert.Equal(t, models.StateFailed, stored.State)
		})
	}
}

func TestUnlock_SameCapsuleNeverInterleaves(t *testing.T) {
	h := newHarness(t)
	created := h.seal(t, validCreate())

	var active, maxActive atomic.Int32
	h.ledger.onQuery = func(context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	h.storage.onGet = func(context.Context) { active.Add(-1) }

	const attempts = 4
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: created.ID})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Zero(t, h.orch.locks.Len())
}

func TestUnlock_DifferentCapsulesRunConcurrently(t *testing.T) {
	h := newHarness(t)
	first := h.seal(t, validCreate())
	second := h.seal(t, validCreate())

	var arrived atomic.Int32
	barrier := make(chan struct{})
	var overlapped atomic.Bool
	h.ledger.onQuery = func(context.Context) error {
		if arrived.Add(1) == 2 {
			close(barrier)
		}
		select {
		case <-barrier:
			overlapped.Store(true)
		case <-time.After(2 * time.Second):
		}
		return nil
	}

	var wg sync.WaitGroup
	for _, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.orch.Unlock(context.Background(), h.session, &UnlockRequest{ID: id})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
	assert.True(t, overlapped.Load(), "unlocks of different capsules should overlap")
}

func TestUnlock_CancelledWhileWaitingForLock(t *testing.T) {
	h := newHarness(t)
	created := h.seal(t, validCreate())

	release, err := h.orch.locks.Acquire(context.Background(), created.ID)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.orch.Unlock(ctx, h.session, &UnlockRequest{ID: created.ID})
	requireFailure(t, err, models.ErrCodeTimeout, models.StepAcquireLock)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stored, _ := h.orch.Registry().Get(created.ID)
	assert.Equal(t, models.StateSealed, stored.State, "a capsule that never started unlocking is untouched")
}
