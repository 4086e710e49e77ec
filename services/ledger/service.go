// Package ledger is the reference ledger collaborator: it records capsule
// registrations and re-derives unlock eligibility on request.
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"digitalvault/logging"
	"digitalvault/pkg/cache"
	api "digitalvault/pkg/ledger"
	"digitalvault/pkg/models"
	"digitalvault/pkg/policy_engine"
	"digitalvault/pkg/repository"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var logger = logging.GetLogger()

// MaxListing caps the capsules returned for one owner.
const MaxListing = 1000

// Service holds the ledger's business rules independent of transport.
type Service struct {
	repo    *repository.Repository
	cache   cache.ListingCache
	engine  policy_engine.Engine
	now     func() time.Time
	entropy io.Reader
	mu      sync.Mutex

	// listingGen counts registrations. A listing read from the database is
	// cached only if no registration landed while it was being read.
	listingMu  sync.Mutex
	listingGen uint64
}

func NewService(repo *repository.Repository, listings cache.ListingCache, engine policy_engine.Engine) *Service {
	if listings == nil {
		listings = cache.NewNoOpListingCache()
	}
	if engine == nil {
		engine = policy_engine.NewNativeEngine()
	}
	return &Service{
		repo:    repo,
		cache:   listings,
		engine:  engine,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Register validates rec, assigns an id and a receipt, and stores it.
func (s *Service) Register(ctx context.Context, rec *api.CapsuleRecord) (*api.RegisterResponse, error) {
	if rec == nil {
		return nil, models.Errorf(models.ErrCodeInvalidInput, "capsule record is required")
	}
	meta, err := rec.Metadata()
	if err != nil {
		return nil, models.NewError(models.ErrCodeInvalidInput, "capsule record is malformed", err)
	}

	now := s.now().UTC().Truncate(time.Second)
	if err := meta.Validate(now); err != nil {
		return nil, models.NewError(models.ErrCodeInvalidInput, "capsule rejected", err)
	}
	meta.ID = uuid.NewString()
	meta.CreatedAt = now

	receipt, err := s.receipt(now)
	if err != nil {
		return nil, models.NewError(models.ErrCodeLedgerRejected, "failed to issue receipt", err)
	}

	err = s.repo.WithTx(ctx, func(capsules repository.CapsuleRepository) error {
		return capsules.Create(ctx, meta, receipt)
	})
	if errors.Is(err, models.ErrCapsuleAlreadyExists) {
		return nil, models.NewError(models.ErrCodeLedgerRejected, "capsule already registered", err)
	}
	if err != nil {
		return nil, models.NewError(models.ErrCodeLedgerRejected, "failed to record capsule", err)
	}

	s.listingMu.Lock()
	s.listingGen++
	if err := s.cache.InvalidateOwner(ctx, meta.Owner); err != nil {
		logger.Warn("failed to invalidate listing cache for %s: %v", meta.Owner, err)
	}
	s.listingMu.Unlock()
	logger.Info("registered capsule %s for %s (receipt %s)", meta.ID, meta.Owner, receipt)

	return &api.RegisterResponse{
		ID:           meta.ID,
		Receipt:      receipt,
		RegisteredAt: now.Unix(),
	}, nil
}

func (s *Service) receipt(at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Eligibility re-derives whether id may be unlocked now from loc.
func (s *Service) Eligibility(ctx context.Context, id string, loc *models.Location) (*api.EligibilityResponse, error) {
	if strings.TrimSpace(id) == "" {
		return nil, models.NewError(models.ErrCodeInvalidInput, "capsule id is required", models.ErrMissingCapsuleID)
	}
	if loc != nil {
		if err := loc.Validate(); err != nil {
			return nil, models.NewError(models.ErrCodeInvalidInput, "location is invalid", err)
		}
	}

	meta, err := s.repo.Capsule.GetByID(ctx, id)
	if errors.Is(err, models.ErrCapsuleNotFound) {
		return nil, models.NewError(models.ErrCodeNotFound, "capsule "+id+" is not registered", err)
	}
	if err != nil {
		return nil, models.NewError(models.ErrCodeLedgerRejected, "failed to load capsule", err)
	}

	now := s.now()
	result, err := s.engine.Evaluate(ctx, meta, now, loc)
	if err != nil {
		return nil, models.NewError(models.ErrCodeLedgerRejected, "eligibility evaluation failed", err)
	}
	recordDecision(ctx, s.engine.Name(), result.Reason)
	logger.Debug("capsule %s eligibility via %s: %s", id, s.engine.Name(), result.Reason)

	return &api.EligibilityResponse{
		Eligible:      result.Eligible,
		TimeSatisfied: result.TimeSatisfied,
		GeoSatisfied:  result.GeoSatisfied,
		Reason:        result.Reason,
		EvaluatedAt:   now.Unix(),
	}, nil
}

// List returns owner's capsules, newest first, served from the listing
// cache when possible.
func (s *Service) List(ctx context.Context, owner string) ([]*api.CapsuleRecord, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, models.NewError(models.ErrCodeInvalidInput, "owner is required", models.ErrMissingOwner)
	}

	records, hit, err := s.cache.GetListing(ctx, owner)
	if err != nil {
		logger.Warn("listing cache read failed for %s: %v", owner, err)
	}
	recordCacheLookup(ctx, hit)
	if hit {
		return records, nil
	}

	s.listingMu.Lock()
	gen := s.listingGen
	s.listingMu.Unlock()

	metas, err := s.repo.Capsule.ListByOwner(ctx, owner, MaxListing)
	if err != nil {
		return nil, models.NewError(models.ErrCodeLedgerRejected, "failed to list capsules", err)
	}
	records = make([]*api.CapsuleRecord, 0, len(metas))
	for _, m := range metas {
		records = append(records, api.RecordFromMetadata(m))
	}

	s.cacheListing(ctx, owner, records, gen)
	return records, nil
}

// cacheListing stores records unless a registration happened after gen was
// taken; that registration's invalidation may already have run.
func (s *Service) cacheListing(ctx context.Context, owner string, records []*api.CapsuleRecord, gen uint64) {
	s.listingMu.Lock()
	defer s.listingMu.Unlock()
	if s.listingGen != gen {
		logger.Debug("skipping listing cache write for %s: registration in flight", owner)
		return
	}
	if err := s.cache.SetListing(ctx, owner, records); err != nil {
		logger.Warn("listing cache write failed for %s: %v", owner, err)
	}
}

func (s *Service) Stats(ctx context.Context) (*api.StatsResponse, error) {
	total, err := s.repo.Capsule.Count(ctx)
	if err != nil {
		return nil, models.NewError(models.ErrCodeLedgerRejected, "failed to count capsules", err)
	}
	return &api.StatsResponse{TotalCapsules: total}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
