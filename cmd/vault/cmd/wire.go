package cmd

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"

	"digitalvault/config"
	"digitalvault/pkg/crypto"
	"digitalvault/pkg/ledger"
	"digitalvault/pkg/location"
	"digitalvault/pkg/models"
	"digitalvault/pkg/signer"
	"digitalvault/pkg/storage"
	"digitalvault/services/vault"

	"github.com/briandowns/spinner"
)

// tokenSubject identifies the CLI to the ledger in service tokens.
const tokenSubject = serviceName

// locationFlags lets a command pin the requester's position, overriding the
// configured provider.
type locationFlags struct {
	lat, lon, accuracy float64
	set                bool
}

func (f *locationFlags) location() (*models.Location, error) {
	if !f.set {
		return nil, nil
	}
	loc := &models.Location{Latitude: f.lat, Longitude: f.lon, AccuracyMeters: f.accuracy}
	if err := loc.Validate(); err != nil {
		return nil, models.NewError(models.ErrCodeInvalidInput, "invalid --lat/--lon", err)
	}
	return loc, nil
}

func newEngine(c *config.Config) *crypto.Engine {
	return crypto.NewEngine(
		crypto.WithIterations(c.Crypto.KDFIterations),
		crypto.WithSalt(c.Crypto.Salt),
	)
}

func newLedgerClient(c *config.Config) (*ledger.Client, error) {
	clientCfg := ledger.ClientConfig{
		Address: c.Ledger.Address,
		Timeout: c.Ledger.Timeout,
	}
	if c.Ledger.JWTSecret != "" {
		tokens, err := ledger.NewTokenSource(c.Ledger.JWTSecret, c.Ledger.Issuer, tokenSubject, c.Ledger.TokenTTL)
		if err != nil {
			return nil, err
		}
		clientCfg.Tokens = tokens
	}
	return ledger.NewClient(clientCfg)
}

func newStore(c *config.Config) (storage.Store, error) {
	switch strings.ToLower(c.Storage.Type) {
	case "memory":
		logger.Warn("memory storage does not outlive this process")
		return storage.NewMemoryStore(), nil
	case "file":
		return storage.NewFileStore(c.StorageDir())
	case "pinata":
		return storage.NewPinataStore(storage.PinataConfig{
			APIURL:    c.Storage.Pinata.APIURL,
			JWT:       c.Storage.Pinata.JWT,
			APIKey:    c.Storage.Pinata.APIKey,
			APISecret: c.Storage.Pinata.APISecret,
			Gateways:  c.Storage.Pinata.Gateways,
			Timeout:   c.Storage.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}
}

// newSigner loads the configured identity. When signatures need approval
// and spin is running, the spinner is paused for the prompt.
func newSigner(ctx context.Context, c *config.Config, spin *spinner.Spinner) (vault.Signer, error) {
	var (
		priv ed25519.PrivateKey
		err  error
	)
	switch strings.ToLower(c.Signer.Type) {
	case "file":
		priv, err = signer.LoadKeyFile(c.SignerKeyFile())
	case "aws":
		var src *signer.SecretsManagerSource
		src, err = signer.NewSecretsManagerSource(ctx, c.Signer.AWS.Region, c.Signer.AWS.Endpoint, c.Signer.AWS.SecretID, c.Signer.AWS.KeyField)
		if err != nil {
			return nil, models.NewError(models.ErrCodeSignerUnavailable, "failed to reach secrets manager", err)
		}
		priv, err = src.LoadPrivateKey(ctx)
	default:
		return nil, fmt.Errorf("unsupported signer type %q", c.Signer.Type)
	}
	if err != nil {
		return nil, err
	}

	s, err := signer.NewEd25519Signer(priv)
	if err != nil {
		return nil, err
	}
	if c.Signer.Confirm {
		confirm := signer.TerminalConfirm(stdin, stderr)
		if spin != nil {
			confirm = pauseFor(spin, confirm)
		}
		return signer.NewConfirmingSigner(s, confirm), nil
	}
	return s, nil
}

// newLocationProvider returns nil when no provider is configured.
func newLocationProvider(c *config.Config) (location.Provider, error) {
	var p location.Provider
	switch strings.ToLower(c.Location.Type) {
	case "", "none":
		return nil, nil
	case "static":
		sp, err := location.NewStaticProvider(c.Location.Latitude, c.Location.Longitude, c.Location.AccuracyMeters)
		if err != nil {
			return nil, err
		}
		p = sp
	case "file":
		p = location.NewFileProvider(os.ExpandEnv(c.Location.FixFile), c.Location.MaxAge)
	default:
		return nil, fmt.Errorf("unsupported location type %q", c.Location.Type)
	}
	return location.WithTimeout(p, c.Location.Timeout), nil
}

func newSession(ctx context.Context, c *config.Config, spin *spinner.Spinner) (*vault.Session, error) {
	s, err := newSigner(ctx, c, spin)
	if err != nil {
		return nil, err
	}
	session := &vault.Session{Signer: s}

	provider, err := newLocationProvider(c)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		session.Location = provider
	}
	return session, nil
}

// deps bundles everything one CLI invocation needs.
type deps struct {
	session      *vault.Session
	ledger       *ledger.Client
	orchestrator *vault.Orchestrator
}

// wire builds the collaborators for one command. A non-nil spin follows
// the pipeline's progress.
func wire(ctx context.Context, c *config.Config, spin *spinner.Spinner) (*deps, error) {
	session, err := newSession(ctx, c, spin)
	if err != nil {
		return nil, err
	}
	client, err := newLedgerClient(c)
	if err != nil {
		return nil, err
	}
	store, err := newStore(c)
	if err != nil {
		return nil, err
	}

	opts := []vault.Option{
		vault.WithChallenge(c.Crypto.Challenge),
		vault.WithTimeouts(vault.Timeouts{
			Ledger:   c.Ledger.Timeout,
			Storage:  c.Storage.Timeout,
			Signer:   c.Signer.Timeout,
			Location: c.Location.Timeout,
		}),
	}
	if spin != nil {
		opts = append(opts, vault.WithTransitionHook(progress(spin)))
	}

	logger.Debug("wired %s storage, %s signer and ledger at %s", c.Storage.Type, c.Signer.Type, c.Ledger.Address)
	return &deps{
		session:      session,
		ledger:       client,
		orchestrator: vault.NewOrchestrator(newEngine(c), client, store, opts...),
	}, nil
}
