package vault

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"digitalvault/pkg/eligibility"
	"digitalvault/pkg/models"

	"github.com/samber/lo"
)

// Registry is the session-local view of capsules keyed by ledger id, or by
// draft id until the ledger assigns one. All reads return copies.
type Registry struct {
	mu       sync.RWMutex
	capsules map[string]*models.Capsule
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		capsules: make(map[string]*models.Capsule),
		now:      time.Now,
	}
}

// SetClock replaces the clock stamping UpdatedAt.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Owner          string
	State          models.LifecycleState
	Classification *models.Classification
	// Search matches title or description, case-insensitively.
	Search string
}

func (f Filter) matches(c *models.Capsule) bool {
	if f.Owner != "" && c.Owner != f.Owner {
		return false
	}
	if f.State != "" && c.State != f.State {
		return false
	}
	if f.Classification != nil && c.Classification != *f.Classification {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(c.Title), q) && !strings.Contains(strings.ToLower(c.Description), q) {
			return false
		}
	}
	return true
}

// Summary combines lifecycle state counts with release status.
type Summary struct {
	eligibility.Summary `yaml:",inline"`
	ByState             map[models.LifecycleState]int `json:"by_state" yaml:"by_state"`
}

// Upsert stores a copy of c under its key.
func (r *Registry) Upsert(c *models.Capsule) {
	cp := c.Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	cp.UpdatedAt = r.now()
	r.capsules[cp.Key()] = cp
}

func (r *Registry) Get(key string) (*models.Capsule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capsules[key]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Transition moves key to state to and applies mutate under the write lock.
// Moves the lifecycle does not allow fail with ErrTransitionForbidden.
func (r *Registry) Transition(key string, to models.LifecycleState, mutate func(*models.Capsule)) (*models.Capsule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.capsules[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrCapsuleNotFound, key)
	}
	if !models.CanTransition(c.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrTransitionForbidden, c.State, to)
	}
	from := c.State
	c.State = to
	if to != models.StateFailed {
		c.Failure = nil
	}
	if mutate != nil {
		mutate(c)
	}
	c.UpdatedAt = r.now()
	logger.Debug("capsule %s: %s -> %s", key, from, to)
	return c.Clone(), nil
}

// Promote seals a draft and re-keys it under its ledger id.
func (r *Registry) Promote(draftID string, reg *models.Registration) (*models.Capsule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.capsules[draftID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrCapsuleNotFound, draftID)
	}
	if !models.CanTransition(c.State, models.StateSealed) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrTransitionForbidden, c.State, models.StateSealed)
	}
	c.State = models.StateSealed
	c.ID = reg.ID
	c.Receipt = reg.Receipt
	c.UpdatedAt = r.now()
	delete(r.capsules, draftID)
	r.capsules[c.ID] = c
	return c.Clone(), nil
}

// Merge folds ledger metadata into the registry. Known capsules keep their
// local lifecycle state; new ones enter as SEALED.
func (r *Registry) Merge(metas []*models.CapsuleMetadata) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	now := r.now()
	for _, m := range metas {
		if m == nil || m.ID == "" {
			continue
		}
		incoming := (&models.Capsule{CapsuleMetadata: *m}).Clone()
		if existing, ok := r.capsules[m.ID]; ok {
			incoming.DraftID = existing.DraftID
			incoming.Receipt = existing.Receipt
			incoming.State = existing.State
			incoming.Failure = existing.Failure
		} else {
			incoming.State = models.StateSealed
			added++
		}
		incoming.UpdatedAt = now
		r.capsules[m.ID] = incoming
	}
	return added
}

// Refresh pulls owner's capsules from the ledger and merges them.
func (r *Registry) Refresh(ctx context.Context, ledger Ledger, owner string) error {
	metas, err := ledger.ListCapsules(ctx, owner)
	if err != nil {
		return models.AtStep(models.StepRefresh, models.ErrCodeLedgerRejected, err)
	}
	added := r.Merge(metas)
	logger.Debug("refreshed %d capsules for %s (%d new)", len(metas), owner, added)
	return nil
}

// List returns matching capsules, newest first.
func (r *Registry) List(f Filter) []*models.Capsule {
	r.mu.RLock()
	matched := lo.FilterMap(lo.Values(r.capsules), func(c *models.Capsule, _ int) (*models.Capsule, bool) {
		if !f.matches(c) {
			return nil, false
		}
		return c.Clone(), true
	})
	r.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *models.Capsule) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key(), b.Key())
	})
	return matched
}

// Summary evaluates registered capsules at now and loc. Drafts and failed
// creates have no release conditions yet and only appear in ByState.
func (r *Registry) Summary(now time.Time, loc *models.Location) Summary {
	all := r.List(Filter{})
	registered := lo.FilterMap(all, func(c *models.Capsule, _ int) (*models.CapsuleMetadata, bool) {
		return &c.CapsuleMetadata, c.ID != ""
	})
	return Summary{
		Summary: eligibility.Summarize(registered, now, loc),
		ByState: lo.CountValuesBy(all, func(c *models.Capsule) models.LifecycleState { return c.State }),
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.capsules)
}
