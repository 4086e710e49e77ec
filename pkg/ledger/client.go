package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"digitalvault/pkg/models"
)

// ClientConfig configures a ledger Client.
type ClientConfig struct {
	Address string
	Timeout time.Duration
	// Tokens authenticates requests when set.
	Tokens *TokenSource
}

// Client talks to a ledger server over HTTP/JSON.
type Client struct {
	baseURL    string
	tokens     *TokenSource
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("ledger address is required")
	}
	u, err := url.Parse(cfg.Address)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger address %q", cfg.Address)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.Address, "/"),
		tokens:  cfg.Tokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Register records a capsule and returns the ledger-assigned id.
func (c *Client) Register(ctx context.Context, meta *models.CapsuleMetadata) (*models.Registration, error) {
	if meta == nil {
		return nil, models.Errorf(models.ErrCodeInvalidInput, "capsule metadata is required")
	}

	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, CapsulesPath, RecordFromMetadata(meta), &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, models.Errorf(models.ErrCodeLedgerRejected, "ledger returned no capsule id")
	}

	return &models.Registration{
		ID:           resp.ID,
		Receipt:      resp.Receipt,
		RegisteredAt: time.Unix(resp.RegisteredAt, 0).UTC(),
	}, nil
}

// QueryEligibility asks the ledger whether id may be unlocked now from loc.
func (c *Client) QueryEligibility(ctx context.Context, id string, loc *models.Location) (bool, error) {
	resp, err := c.CheckEligibility(ctx, id, loc)
	if err != nil {
		return false, err
	}
	return resp.Eligible, nil
}

// CheckEligibility is QueryEligibility with the ledger's full breakdown.
func (c *Client) CheckEligibility(ctx context.Context, id string, loc *models.Location) (*EligibilityResponse, error) {
	if strings.TrimSpace(id) == "" {
		return nil, models.NewError(models.ErrCodeInvalidInput, "capsule id is required", models.ErrMissingCapsuleID)
	}

	path := CapsulesPath + "/" + url.PathEscape(id) + "/" + eligibilityPath
	var resp EligibilityResponse
	if err := c.do(ctx, http.MethodPost, path, &EligibilityRequest{Location: LocationRecordFrom(loc)}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListCapsules returns every capsule registered by owner.
func (c *Client) ListCapsules(ctx context.Context, owner string) ([]*models.CapsuleMetadata, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, models.NewError(models.ErrCodeInvalidInput, "owner is required", models.ErrMissingOwner)
	}

	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, CapsulesPath+"?owner="+url.QueryEscape(owner), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*models.CapsuleMetadata, 0, len(resp.Capsules))
	for _, rec := range resp.Capsules {
		m, err := rec.Metadata()
		if err != nil {
			return nil, models.NewError(models.ErrCodeLedgerRejected, "ledger returned a malformed capsule", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Stats returns ledger-wide counters.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.do(ctx, http.MethodGet, StatsPath, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports whether the ledger answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, HealthPath, nil, nil)
}

// do sends one request. Failures are classified at this boundary: 404 is
// NOT_FOUND, an expired deadline is TIMEOUT, everything else LEDGER_REJECTED.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return models.NewError(models.ErrCodeInvalidInput, "failed to encode ledger request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return models.NewError(models.ErrCodeLedgerRejected, "failed to create request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return models.NewError(models.ErrCodeLedgerRejected, "failed to authenticate to ledger", err)
		}
		req.Header.Set("Authorization", authHeaderPrefix+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.NewError(models.ErrCodeTimeout, "ledger request timed out", err)
		}
		return models.NewError(models.ErrCodeLedgerRejected, "failed to reach ledger", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewError(models.ErrCodeLedgerRejected, "failed to decode ledger response", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var er ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
		if er.Details != "" {
			msg += ": " + er.Details
		}
	}

	logger.Debug("ledger %s %s returned %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, msg)
	if resp.StatusCode == http.StatusNotFound {
		return models.Errorf(models.ErrCodeNotFound, "ledger: %s", msg)
	}
	return models.Errorf(models.ErrCodeLedgerRejected, "ledger returned status %d: %s", resp.StatusCode, msg)
}
