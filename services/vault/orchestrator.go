package vault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"digitalvault/pkg/crypto"
	"digitalvault/pkg/eligibility"
	"digitalvault/pkg/models"
	"digitalvault/pkg/storage"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// CreateRequest describes a capsule to seal. The owner is the session's
// signer identity.
type CreateRequest struct {
	Plaintext      []byte
	Title          string
	Description    string
	Classification models.Classification
	UnlockAt       time.Time
	Geofence       *models.Geofence
	// Name labels the upload on stores that keep metadata.
	Name string
}

type CreateResult struct {
	ID             string    `json:"id" yaml:"id"`
	DraftID        string    `json:"draft_id" yaml:"draft_id"`
	ContentPointer string    `json:"content_pointer" yaml:"content_pointer"`
	Receipt        string    `json:"receipt" yaml:"receipt"`
	SealedAt       time.Time `json:"sealed_at" yaml:"sealed_at"`
}

// UnlockRequest names a capsule to open. Location overrides the session's
// location provider when set.
type UnlockRequest struct {
	ID       string
	Location *models.Location
}

type UnlockResult struct {
	ID         string    `json:"id" yaml:"id"`
	Title      string    `json:"title" yaml:"title"`
	Plaintext  []byte    `json:"-" yaml:"-"`
	UnlockedAt time.Time `json:"unlocked_at" yaml:"unlocked_at"`
	// Eligibility is the local evaluation, reported for display only.
	Eligibility *models.EligibilityResult `json:"eligibility,omitempty" yaml:"eligibility,omitempty"`
}

// TransitionHook observes lifecycle moves, for progress display.
type TransitionHook func(key string, to models.LifecycleState)

// Orchestrator runs the Create and Unlock pipelines. Pipelines on the same
// capsule are serialised; pipelines on different capsules run concurrently.
type Orchestrator struct {
	engine    *crypto.Engine
	ledger    Ledger
	storage   Storage
	registry  *Registry
	locks     *lockTable
	challenge []byte
	timeouts  Timeouts
	now       func() time.Time
	hook      TransitionHook
}

type Option func(*Orchestrator)

func WithTimeouts(t Timeouts) Option {
	return func(o *Orchestrator) { o.timeouts = t }
}

func WithChallenge(challenge string) Option {
	return func(o *Orchestrator) {
		if challenge != "" {
			o.challenge = []byte(challenge)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

func WithTransitionHook(h TransitionHook) Option {
	return func(o *Orchestrator) { o.hook = h }
}

func NewOrchestrator(engine *crypto.Engine, ledger Ledger, store Storage, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:    engine,
		ledger:    ledger,
		storage:   store,
		locks:     newLockTable(),
		challenge: []byte(DefaultChallenge),
		timeouts:  DefaultTimeouts(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	// A registry passed in with WithRegistry may be shared; it keeps its
	// own clock.
	if o.registry == nil {
		o.registry = NewRegistry()
		o.registry.SetClock(o.now)
	}
	return o
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Create seals req.Plaintext under a fresh content key, uploads the
// ciphertext, wraps the key under the owner's signature and registers the
// capsule. The context is honoured until the upload completes; the
// remaining steps run to completion so a signature is never requested for
// a capsule that will not be registered.
func (o *Orchestrator) Create(ctx context.Context, session *Session, req *CreateRequest) (*CreateResult, error) {
	start := time.Now()
	ctx, span := startPipelineSpan(ctx, "vault.create")
	defer span.End()

	result, err := o.create(ctx, session, req)
	recordPipeline(ctx, span, "create", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("vault.capsule.id", result.ID))
	return result, nil
}

func (o *Orchestrator) create(ctx context.Context, session *Session, req *CreateRequest) (*CreateResult, error) {
	now := o.now()
	req = atLedgerPrecision(req)
	if err := o.validateCreate(session, req, now); err != nil {
		return nil, err
	}

	draft := &models.Capsule{
		CapsuleMetadata: models.CapsuleMetadata{
			Owner:          session.Owner(),
			Title:          strings.TrimSpace(req.Title),
			Description:    req.Description,
			Classification: req.Classification,
			UnlockAt:       req.UnlockAt.UTC(),
			CreatedAt:      now.UTC(),
		},
		DraftID: uuid.NewString(),
		State:   models.StateDraft,
	}
	if req.Geofence != nil {
		g := *req.Geofence
		draft.Geofence = &g
	}
	key := draft.DraftID

	release, err := o.acquire(ctx, "create", key)
	if err != nil {
		return nil, err
	}
	defer release()
	o.registry.Upsert(draft)

	if _, err := o.transition(key, models.StateEncrypting, nil); err != nil {
		return nil, err
	}
	contentKey, err := o.engine.GenerateContentKey()
	if err != nil {
		return nil, o.fail(key, models.AtStep(models.StepGenerateKey, models.ErrCodeCryptoUnavailable, err))
	}
	defer contentKey.Destroy()

	envelope, err := o.engine.Encrypt(req.Plaintext, contentKey)
	if err != nil {
		return nil, o.fail(key, models.AtStep(models.StepEncrypt, models.ErrCodeCryptoUnavailable, err))
	}

	if err := ctx.Err(); err != nil {
		return nil, o.fail(key, cancelled(models.StepUpload, err))
	}
	if _, err := o.transition(key, models.StateUploading, nil); err != nil {
		return nil, err
	}
	pointer, err := o.upload(ctx, envelope.Marshal(), req, draft)
	if err != nil && ctx.Err() != nil {
		return nil, o.fail(key, cancelled(models.StepUpload, ctx.Err()))
	}
	if err != nil {
		return nil, o.fail(key, collaboratorError(models.StepUpload, models.ErrCodeStorageUnavailable, err))
	}

	// The ciphertext is stored. From here on the caller's cancellation no
	// longer applies; per-call timeouts still do.
	detached := context.WithoutCancel(ctx)

	if _, err := o.transition(key, models.StateKeyWrapping, func(c *models.Capsule) {
		c.ContentPointer = pointer
	}); err != nil {
		return nil, err
	}
	wrappingKey, err := o.deriveWrappingKey(detached, session)
	if err != nil {
		return nil, o.fail(key, err)
	}
	defer wrappingKey.Destroy()

	wrapped, err := o.engine.WrapKey(contentKey, wrappingKey)
	if err != nil {
		return nil, o.fail(key, models.AtStep(models.StepWrapKey, models.ErrCodeCryptoUnavailable, err))
	}
	contentKey.Destroy()
	wrappingKey.Destroy()

	sealed, err := o.transition(key, models.StateRegistering, func(c *models.Capsule) {
		c.WrappedContentKey = wrapped.Marshal()
	})
	if err != nil {
		return nil, err
	}

	meta := sealed.CapsuleMetadata
	if err := meta.Validate(o.now()); err != nil {
		return nil, o.fail(key, models.NewError(models.ErrCodeInvalidInput, "capsule metadata invalid at registration", err).WithStep(models.StepRegister))
	}
	regCtx, cancel := withTimeout(detached, o.timeouts.Ledger)
	reg, err := o.ledger.Register(regCtx, &meta)
	cancel()
	if err != nil {
		return nil, o.fail(key, collaboratorError(models.StepRegister, models.ErrCodeLedgerRejected, err))
	}
	if reg == nil || reg.ID == "" {
		return nil, o.fail(key, models.Errorf(models.ErrCodeLedgerRejected, "ledger returned no capsule id").WithStep(models.StepRegister))
	}

	if _, err := o.registry.Promote(key, reg); err != nil {
		return nil, o.fail(key, models.NewError(models.ErrCodeLedgerRejected, "failed to record registration", err).WithStep(models.StepRegister))
	}
	o.notify(reg.ID, models.StateSealed)
	logger.Info("sealed capsule %s (%q) for %s at %s", reg.ID, meta.Title, meta.Owner, pointer)

	return &CreateResult{
		ID:             reg.ID,
		DraftID:        key,
		ContentPointer: pointer,
		Receipt:        reg.Receipt,
		SealedAt:       reg.RegisteredAt,
	}, nil
}

// atLedgerPrecision returns a copy of req with the unlock time and radius
// reduced to what the ledger records: whole seconds and whole meters,
// both truncated. Validating the reduced values keeps the ledger from
// rejecting a capsule after its ciphertext is uploaded and signed.
func atLedgerPrecision(req *CreateRequest) *CreateRequest {
	if req == nil {
		return nil
	}
	r := *req
	r.UnlockAt = req.UnlockAt.Truncate(time.Second)
	if req.Geofence != nil {
		g := *req.Geofence
		g.RadiusMeters = math.Trunc(g.RadiusMeters)
		r.Geofence = &g
	}
	return &r
}

func (o *Orchestrator) validateCreate(session *Session, req *CreateRequest, now time.Time) error {
	invalid := func(msg string, cause error) error {
		return models.NewError(models.ErrCodeInvalidInput, msg, cause).WithStep(models.StepValidate)
	}
	if err := session.validate(); err != nil {
		return models.AtStep(models.StepValidate, models.ErrCodeInvalidInput, err)
	}
	if req == nil {
		return invalid("create request is required", nil)
	}
	if len(req.Plaintext) == 0 {
		return invalid("capsule content is empty", models.ErrEmptyContent)
	}
	if strings.TrimSpace(req.Title) == "" {
		return invalid("capsule title is empty", models.ErrMissingTitle)
	}
	if !req.Classification.Valid() {
		return invalid(fmt.Sprintf("classification %d is not defined", int(req.Classification)), models.ErrInvalidClass)
	}
	if !req.UnlockAt.After(now) {
		return invalid("unlock time "+req.UnlockAt.UTC().Format(time.RFC3339)+" is not in the future", models.ErrUnlockNotInFuture)
	}
	if req.Geofence != nil {
		if err := req.Geofence.Validate(); err != nil {
			return invalid("geofence is invalid", err)
		}
	}
	return nil
}

func (o *Orchestrator) upload(ctx context.Context, blob []byte, req *CreateRequest, draft *models.Capsule) (string, error) {
	ctx, cancel := withTimeout(ctx, o.timeouts.Storage)
	defer cancel()

	var (
		pointer string
		err     error
	)
	if labelled, ok := o.storage.(metadataStorage); ok {
		pointer, err = labelled.PutWithMetadata(ctx, blob, storage.Metadata{
			Name: req.Name,
			KeyValues: map[string]string{
				"draft_id":       draft.DraftID,
				"classification": draft.Classification.String(),
			},
		})
	} else {
		pointer, err = o.storage.Put(ctx, blob)
	}
	if err != nil {
		return "", err
	}
	if pointer == "" {
		return "", models.Errorf(models.ErrCodeStorageUnavailable, "storage returned an empty content address")
	}
	return pointer, nil
}

// Unlock asks the ledger whether the capsule may open and, only if it
// agrees, requests the owner's signature, recovers the content key and
// decrypts the downloaded ciphertext. The context is honoured until the
// ledger answers.
func (o *Orchestrator) Unlock(ctx context.Context, session *Session, req *UnlockRequest) (*UnlockResult, error) {
	start := time.Now()
	id := ""
	if req != nil {
		id = req.ID
	}
	ctx, span := startPipelineSpan(ctx, "vault.unlock", attribute.String("vault.capsule.id", id))
	defer span.End()

	result, err := o.unlock(ctx, session, req)
	recordPipeline(ctx, span, "unlock", time.Since(start), err)
	return result, err
}

func (o *Orchestrator) unlock(ctx context.Context, session *Session, req *UnlockRequest) (*UnlockResult, error) {
	if err := o.validateUnlock(session, req); err != nil {
		return nil, err
	}
	id := req.ID

	release, err := o.acquire(ctx, "unlock", id)
	if err != nil {
		return nil, err
	}
	defer release()

	capsule, err := o.lookup(ctx, session, id)
	if err != nil {
		return nil, err
	}
	if capsule.ContentPointer == "" || len(capsule.WrappedContentKey) == 0 {
		return nil, models.NewError(models.ErrCodeInvalidInput, "capsule "+id+" has no sealed content", models.ErrCapsuleNotSealed).WithStep(models.StepValidate)
	}
	if _, err := o.transition(id, models.StateUnlocking, nil); err != nil {
		return nil, err
	}

	loc := req.Location
	if loc == nil && capsule.IsGeoLocked() && session.Location != nil {
		loc, err = o.locate(ctx, session.Location)
		if err != nil {
			return nil, o.fail(id, err)
		}
	}
	advisory := eligibility.Evaluate(&capsule.CapsuleMetadata, o.now(), loc)

	eligible, err := o.queryEligibility(ctx, id, loc)
	if err != nil {
		return nil, o.fail(id, err)
	}
	if !eligible {
		return nil, o.fail(id, models.Errorf(models.ErrCodeNotEligible,
			"ledger refused to release capsule %s (%s)", id, advisory.Reason).WithStep(models.StepQueryEligibility))
	}

	// The ledger has approved release. Signing and decryption run to
	// completion regardless of the caller's cancellation.
	detached := context.WithoutCancel(ctx)

	wrapped, err := crypto.ParseWrappedKey(capsule.WrappedContentKey)
	if err != nil {
		return nil, o.fail(id, models.AtStep(models.StepUnwrapKey, models.ErrCodeAuthenticationFailed, err))
	}
	wrappingKey, err := o.deriveWrappingKey(detached, session)
	if err != nil {
		return nil, o.fail(id, err)
	}
	defer wrappingKey.Destroy()

	contentKey, err := o.engine.UnwrapKey(wrapped, wrappingKey)
	if err != nil {
		return nil, o.fail(id, models.AtStep(models.StepUnwrapKey, models.ErrCodeAuthenticationFailed, err))
	}
	defer contentKey.Destroy()
	wrappingKey.Destroy()

	blob, err := o.download(detached, capsule.ContentPointer)
	if err != nil {
		return nil, o.fail(id, collaboratorError(models.StepDownload, models.ErrCodeStorageUnavailable, err))
	}
	envelope, err := crypto.ParseEnvelope(blob)
	if err != nil {
		return nil, o.fail(id, models.AtStep(models.StepDecrypt, models.ErrCodeAuthenticationFailed, err))
	}
	plaintext, err := o.engine.Decrypt(envelope, contentKey)
	if err != nil {
		return nil, o.fail(id, models.AtStep(models.StepDecrypt, models.ErrCodeAuthenticationFailed, err))
	}
	contentKey.Destroy()

	unlockedAt := o.now().UTC()
	if _, err := o.transition(id, models.StateUnlocked, nil); err != nil {
		return nil, err
	}

	refreshCtx, cancel := withTimeout(detached, o.timeouts.Ledger)
	if err := o.registry.Refresh(refreshCtx, o.ledger, session.Owner()); err != nil {
		logger.Warn("capsule %s unlocked but registry refresh failed: %v", id, err)
	}
	cancel()

	logger.Info("unlocked capsule %s for %s", id, session.Owner())
	return &UnlockResult{
		ID:          id,
		Title:       capsule.Title,
		Plaintext:   plaintext,
		UnlockedAt:  unlockedAt,
		Eligibility: advisory,
	}, nil
}

func (o *Orchestrator) validateUnlock(session *Session, req *UnlockRequest) error {
	if err := session.validate(); err != nil {
		return models.AtStep(models.StepValidate, models.ErrCodeInvalidInput, err)
	}
	if req == nil || strings.TrimSpace(req.ID) == "" {
		return models.NewError(models.ErrCodeInvalidInput, "capsule id is required", models.ErrMissingCapsuleID).WithStep(models.StepValidate)
	}
	if req.Location != nil {
		if err := req.Location.Validate(); err != nil {
			return models.NewError(models.ErrCodeInvalidInput, "location is invalid", err).WithStep(models.StepValidate)
		}
	}
	return nil
}

// lookup finds id locally, refreshing from the ledger on a miss.
func (o *Orchestrator) lookup(ctx context.Context, session *Session, id string) (*models.Capsule, error) {
	if c, ok := o.registry.Get(id); ok {
		return c, nil
	}
	refreshCtx, cancel := withTimeout(ctx, o.timeouts.Ledger)
	defer cancel()
	if err := o.registry.Refresh(refreshCtx, o.ledger, session.Owner()); err != nil {
		return nil, err
	}
	if c, ok := o.registry.Get(id); ok {
		return c, nil
	}
	return nil, models.NewError(models.ErrCodeNotFound, "capsule "+id+" is not registered to "+session.Owner(), models.ErrCapsuleNotFound).WithStep(models.StepRefresh)
}

func (o *Orchestrator) locate(ctx context.Context, provider LocationProvider) (*models.Location, error) {
	ctx, cancel := withTimeout(ctx, o.timeouts.Location)
	defer cancel()

	loc, err := provider.CurrentLocation(ctx)
	if err != nil {
		return nil, collaboratorError(models.StepLocate, models.ErrCodeLocationUnavailable, err)
	}
	if loc == nil {
		return nil, models.Errorf(models.ErrCodeLocationUnavailable, "location provider returned no fix").WithStep(models.StepLocate)
	}
	if err := loc.Validate(); err != nil {
		return nil, models.NewError(models.ErrCodeLocationUnavailable, "location provider returned an invalid fix", err).WithStep(models.StepLocate)
	}
	return loc, nil
}

func (o *Orchestrator) queryEligibility(ctx context.Context, id string, loc *models.Location) (bool, error) {
	ctx, cancel := withTimeout(ctx, o.timeouts.Ledger)
	defer cancel()

	ok, err := o.ledger.QueryEligibility(ctx, id, loc)
	if err != nil {
		return false, collaboratorError(models.StepQueryEligibility, models.ErrCodeLedgerRejected, err)
	}
	return ok, nil
}

// deriveWrappingKey signs the challenge and stretches the signature into a
// wrapping key. The signature is cleared once the key exists.
func (o *Orchestrator) deriveWrappingKey(ctx context.Context, session *Session) (*crypto.Key, error) {
	signCtx, cancel := withTimeout(ctx, o.timeouts.Signer)
	signature, err := session.Signer.Sign(signCtx, o.challenge)
	cancel()
	if err != nil {
		return nil, collaboratorError(models.StepSign, models.ErrCodeSignerUnavailable, err)
	}
	if len(signature) == 0 {
		return nil, models.Errorf(models.ErrCodeSignerUnavailable, "signer returned an empty signature").WithStep(models.StepSign)
	}
	defer clear(signature)

	key, err := o.engine.DeriveWrappingKey(signature)
	if err != nil {
		return nil, models.AtStep(models.StepDeriveKey, models.ErrCodeCryptoUnavailable, err)
	}
	return key, nil
}

func (o *Orchestrator) download(ctx context.Context, pointer string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, o.timeouts.Storage)
	defer cancel()
	return o.storage.Get(ctx, pointer)
}

func (o *Orchestrator) acquire(ctx context.Context, pipeline, key string) (func(), error) {
	waitStart := time.Now()
	release, err := o.locks.Acquire(ctx, key)
	recordLockWait(ctx, pipeline, time.Since(waitStart))
	if err != nil {
		return nil, cancelled(models.StepAcquireLock, err)
	}
	return release, nil
}

// collaboratorError tags a collaborator failure with step. Untyped deadline
// errors become TIMEOUT; other untyped errors take fallback.
func collaboratorError(step models.Step, fallback string, err error) *models.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		fallback = models.ErrCodeTimeout
	}
	return models.AtStep(step, fallback, err)
}

// cancelled reports a pipeline stopped by its caller before step. The
// context error stays in the chain for errors.Is.
func cancelled(step models.Step, err error) error {
	msg := "cancelled before " + string(step)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "deadline passed before " + string(step)
	}
	return models.NewError(models.ErrCodeTimeout, msg, err).WithStep(step)
}

func (o *Orchestrator) transition(key string, to models.LifecycleState, mutate func(*models.Capsule)) (*models.Capsule, error) {
	c, err := o.registry.Transition(key, to, mutate)
	if err != nil {
		return nil, models.NewError(models.ErrCodeInvalidInput, "capsule "+key+" cannot move to "+string(to), err).WithStep(models.StepValidate)
	}
	o.notify(key, to)
	return c, nil
}

// fail moves key to FAILED with reason and returns reason.
func (o *Orchestrator) fail(key string, reason error) error {
	var e *models.Error
	if !errors.As(reason, &e) {
		e = models.NewError(models.ErrCodeCryptoUnavailable, "pipeline failed", reason)
	}
	if _, err := o.registry.Transition(key, models.StateFailed, func(c *models.Capsule) {
		c.Failure = e
	}); err != nil {
		logger.Warn("could not record failure of capsule %s: %v", key, err)
	} else {
		o.notify(key, models.StateFailed)
	}
	logger.Error("capsule %s failed at %s: %v", key, e.Step, reason)
	return e
}

func (o *Orchestrator) notify(key string, to models.LifecycleState) {
	if o.hook != nil {
		o.hook(key, to)
	}
}
