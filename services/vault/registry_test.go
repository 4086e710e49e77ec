package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"digitalvault/pkg/crypto"
	"digitalvault/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealedCapsule(id, title string, class models.Classification, createdAt time.Time) *models.Capsule {
	return &models.Capsule{
		CapsuleMetadata: models.CapsuleMetadata{
			ID:                id,
			Owner:             "z6MkOwner",
			Title:             title,
			Classification:    class,
			ContentPointer:    "Qm" + id,
			WrappedContentKey: []byte{1, 2, 3},
			UnlockAt:          testNow.Add(time.Hour),
			CreatedAt:         createdAt,
		},
		State: models.StateSealed,
	}
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r := NewRegistry()
	r.Upsert(sealedCapsule("a", "Letter", models.ClassificationStandard, testNow))

	got, ok := r.Get("a")
	require.True(t, ok)
	got.Title = "changed"
	got.WrappedContentKey[0] = 9

	again, _ := r.Get("a")
	assert.Equal(t, "Letter", again.Title)
	assert.Equal(t, byte(1), again.WrappedContentKey[0])

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_Transition(t *testing.T) {
	tests := []struct {
		name    string
		from    models.LifecycleState
		to      models.LifecycleState
		allowed bool
	}{
		{"sealed to unlocking", models.StateSealed, models.StateUnlocking, true},
		{"unlocked to unlocking", models.StateUnlocked, models.StateUnlocking, true},
		{"failed to unlocking", models.StateFailed, models.StateUnlocking, true},
		{"draft to encrypting", models.StateDraft, models.StateEncrypting, true},
		{"sealed to failed", models.StateSealed, models.StateFailed, false},
		{"draft to sealed", models.StateDraft, models.StateSealed, false},
		{"unlocking to sealed", models.StateUnlocking, models.StateSealed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			c := sealedCapsule("a", "Letter", models.ClassificationStandard, testNow)
			c.State = tt.from
			r.Upsert(c)

			got, err := r.Transition("a", tt.to, nil)
			if !tt.allowed {
				assert.ErrorIs(t, err, models.ErrTransitionForbidden)
				stored, _ := r.Get("a")
				assert.Equal(t, tt.from, stored.State)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, got.State)
		})
	}

	_, err := NewRegistry().Transition("nope", models.StateUnlocking, nil)
	assert.ErrorIs(t, err, models.ErrCapsuleNotFound)
}

func TestRegistry_TransitionClearsFailure(t *testing.T) {
	r := NewRegistry()
	c := sealedCapsule("a", "Letter", models.ClassificationStandard, testNow)
	c.State = models.StateFailed
	c.Failure = models.Errorf(models.ErrCodeNotEligible, "later").WithStep(models.StepQueryEligibility)
	r.Upsert(c)

	got, err := r.Transition("a", models.StateUnlocking, nil)
	require.NoError(t, err)
	assert.Nil(t, got.Failure)
}

func TestRegistry_Promote(t *testing.T) {
	r := NewRegistry()
	draft := &models.Capsule{DraftID: "draft-1", State: models.StateRegistering}
	r.Upsert(draft)

	sealed, err := r.Promote("draft-1", &models.Registration{ID: "cap-9", Receipt: "rcpt"})
	require.NoError(t, err)
	assert.Equal(t, "cap-9", sealed.Key())
	assert.Equal(t, models.StateSealed, sealed.State)
	assert.Equal(t, "draft-1", sealed.DraftID)

	_, ok := r.Get("draft-1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())

	r.Upsert(&models.Capsule{DraftID: "draft-2", State: models.StateUploading})
	_, err = r.Promote("draft-2", &models.Registration{ID: "cap-10"})
	assert.ErrorIs(t, err, models.ErrTransitionForbidden)
}

func TestRegistry_MergeKeepsLocalState(t *testing.T) {
	r := NewRegistry()
	local := sealedCapsule("a", "Old title", models.ClassificationStandard, testNow)
	local.State = models.StateUnlocked
	local.Receipt = "rcpt-a"
	r.Upsert(local)

	added := r.Merge([]*models.CapsuleMetadata{
		{ID: "a", Owner: "z6MkOwner", Title: "Ledger title", CreatedAt: testNow},
		{ID: "b", Owner: "z6MkOwner", Title: "New", CreatedAt: testNow},
		nil,
		{Title: "no id"},
	})
	assert.Equal(t, 1, added)

	a, _ := r.Get("a")
	assert.Equal(t, "Ledger title", a.Title)
	assert.Equal(t, models.StateUnlocked, a.State)
	assert.Equal(t, "rcpt-a", a.Receipt)

	b, _ := r.Get("b")
	assert.Equal(t, models.StateSealed, b.State)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_Refresh(t *testing.T) {
	l := newFakeLedger()
	_, err := l.Register(context.Background(), &sealedCapsule("", "Mine", models.ClassificationStandard, testNow).CapsuleMetadata)
	require.NoError(t, err)
	other := sealedCapsule("", "Theirs", models.ClassificationStandard, testNow)
	other.Owner = "z6MkOther"
	_, err = l.Register(context.Background(), &other.CapsuleMetadata)
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Refresh(context.Background(), l, "z6MkOwner"))
	assert.Equal(t, 1, r.Len())

	l.listErr = errors.New("unreachable")
	err = r.Refresh(context.Background(), l, "z6MkOwner")
	assert.Equal(t, models.StepRefresh, models.StepOf(err))
	assert.Equal(t, models.ErrCodeLedgerRejected, models.CodeOf(err))
}

func TestRegistry_ListFilters(t *testing.T) {
	r := NewRegistry()
	r.Upsert(sealedCapsule("a", "Birthday letter", models.ClassificationStandard, testNow.Add(-3*time.Hour)))
	b := sealedCapsule("b", "Deed", models.ClassificationCritical, testNow.Add(-2*time.Hour))
	b.Description = "house papers for the LETTER box"
	r.Upsert(b)
	c := sealedCapsule("c", "Recipe", models.ClassificationElevated, testNow.Add(-time.Hour))
	c.State = models.StateUnlocked
	r.Upsert(c)
	d := sealedCapsule("d", "Other owner", models.ClassificationStandard, testNow)
	d.Owner = "z6MkOther"
	r.Upsert(d)

	critical := models.ClassificationCritical
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"everything newest first", Filter{}, []string{"d", "c", "b", "a"}},
		{"by owner", Filter{Owner: "z6MkOwner"}, []string{"c", "b", "a"}},
		{"by state", Filter{State: models.StateUnlocked}, []string{"c"}},
		{"by classification", Filter{Classification: &critical}, []string{"b"}},
		{"search title and description", Filter{Search: "letter"}, []string{"b", "a"}},
		{"combined", Filter{Search: "letter", State: models.StateSealed, Owner: "z6MkOwner"}, []string{"b", "a"}},
		{"no match", Filter{Search: "zebra"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, c := range r.List(tt.filter) {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestRegistry_Summary(t *testing.T) {
	r := NewRegistry()
	r.Upsert(sealedCapsule("due", "Due", models.ClassificationStandard, testNow))
	future := sealedCapsule("future", "Future", models.ClassificationStandard, testNow)
	future.UnlockAt = testNow.Add(48 * time.Hour)
	r.Upsert(future)
	fenced := sealedCapsule("fenced", "Fenced", models.ClassificationStandard, testNow)
	fenced.Geofence = &models.Geofence{Latitude: 0, Longitude: 0, RadiusMeters: 100}
	r.Upsert(fenced)
	r.Upsert(&models.Capsule{DraftID: "draft", State: models.StateFailed})

	// Two hours on, "due" and "fenced" have passed their unlock time; no
	// location was supplied so the geofence stays pending.
	s := r.Summary(testNow.Add(2*time.Hour), nil)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Unlockable)
	assert.Equal(t, 2, s.Locked)
	assert.Equal(t, 1, s.GeoLocked)
	assert.Equal(t, 3, s.ByState[models.StateSealed])
	assert.Equal(t, 1, s.ByState[models.StateFailed])

	s = r.Summary(testNow.Add(2*time.Hour), &models.Location{Latitude: 0, Longitude: 0})
	assert.Equal(t, 2, s.Unlockable)
}

func TestNewOrchestrator_RegistryClock(t *testing.T) {
	t.Run("owned registry follows the orchestrator clock", func(t *testing.T) {
		h := newHarness(t)
		created := h.seal(t, validCreate())
		c, ok := h.orch.Registry().Get(created.ID)
		require.True(t, ok)
		assert.Equal(t, testNow, c.UpdatedAt)
	})

	t.Run("shared registry keeps its own clock", func(t *testing.T) {
		registryNow := testNow.Add(-time.Hour)
		shared := NewRegistry()
		shared.SetClock(func() time.Time { return registryNow })

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				NewOrchestrator(crypto.NewEngine(crypto.WithIterations(1000)), newFakeLedger(), newFakeStorage(),
					WithRegistry(shared), WithClock(func() time.Time { return testNow }))
				shared.Upsert(sealedCapsule(fmt.Sprintf("cap-%d", i), "letter", models.ClassificationStandard, testNow))
			}(i)
		}
		wg.Wait()

		require.Equal(t, 4, shared.Len())
		for _, c := range shared.List(Filter{}) {
			assert.Equal(t, registryNow, c.UpdatedAt, c.ID)
		}
	})
}
