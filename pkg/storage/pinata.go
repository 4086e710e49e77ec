package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"digitalvault/pkg/models"
)

const (
	pinFilePath = "/pinning/pinFileToIPFS"

	// DefaultMaxObjectSize caps downloads from gateways.
	DefaultMaxObjectSize = 100 << 20
)

// PinataConfig configures the pinning client.
type PinataConfig struct {
	APIURL        string
	JWT           string
	APIKey        string
	APISecret     string
	Gateways      []string
	Timeout       time.Duration
	MaxObjectSize int64
}

// PinataStore pins ciphertext through the Pinata API and reads it back from
// IPFS gateways, trying each gateway in order.
type PinataStore struct {
	cfg        PinataConfig
	httpClient *http.Client
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

type pinataMetadata struct {
	Name      string            `json:"name,omitempty"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
}

func NewPinataStore(cfg PinataConfig) (*PinataStore, error) {
	if cfg.JWT == "" && (cfg.APIKey == "" || cfg.APISecret == "") {
		return nil, fmt.Errorf("pinata credentials are required")
	}
	if len(cfg.Gateways) == 0 {
		return nil, fmt.Errorf("at least one gateway is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.pinata.cloud"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = DefaultMaxObjectSize
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	return &PinataStore{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *PinataStore) Put(ctx context.Context, data []byte) (string, error) {
	return s.PutWithMetadata(ctx, data, Metadata{})
}

func (s *PinataStore) PutWithMetadata(ctx context.Context, data []byte, meta Metadata) (string, error) {
	name := meta.Name
	if name == "" {
		name = "capsule.bin"
	}

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to build upload", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to build upload", err)
	}

	metaJSON, err := json.Marshal(pinataMetadata{Name: name, KeyValues: meta.KeyValues})
	if err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to encode metadata", err)
	}
	if err := form.WriteField("pinataMetadata", string(metaJSON)); err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to build upload", err)
	}
	if err := form.WriteField("pinataOptions", `{"cidVersion":0}`); err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to build upload", err)
	}
	if err := form.Close(); err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to build upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL+pinFilePath, body)
	if err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to create request", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "pinning request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", models.Errorf(models.ErrCodeStorageUnavailable, "pinning failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var pinned pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to decode pinning response", err)
	}
	if pinned.IpfsHash == "" {
		return "", models.Errorf(models.ErrCodeStorageUnavailable, "pinning response carried no content address")
	}

	logger.Info("pinned %s (%d bytes) as %s", name, pinned.PinSize, pinned.IpfsHash)
	return pinned.IpfsHash, nil
}

// Get tries each gateway in order. It reports NOT_FOUND only when every
// gateway answered 404.
func (s *PinataStore) Get(ctx context.Context, address string) ([]byte, error) {
	if strings.TrimSpace(address) == "" || strings.ContainsAny(address, "/?#") {
		return nil, models.Errorf(models.ErrCodeInvalidInput, "malformed content address %q", address)
	}

	var lastErr error
	notFound := 0
	for _, gateway := range s.cfg.Gateways {
		data, status, err := s.fetch(ctx, gateway, address)
		if err == nil {
			return data, nil
		}
		if status == http.StatusNotFound {
			notFound++
		}
		lastErr = err
		logger.Warn("gateway %s failed for %s: %v", gateway, address, err)
		if ctx.Err() != nil {
			break
		}
	}

	if notFound == len(s.cfg.Gateways) {
		return nil, models.NewError(models.ErrCodeNotFound, "content not found on any gateway", lastErr)
	}
	return nil, models.NewError(models.ErrCodeStorageUnavailable, "all gateways failed", lastErr)
}

func (s *PinataStore) fetch(ctx context.Context, gateway, address string) ([]byte, int, error) {
	url := strings.TrimRight(gateway, "/") + "/" + address
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxObjectSize+1))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if int64(len(data)) > s.cfg.MaxObjectSize {
		return nil, resp.StatusCode, fmt.Errorf("object exceeds %d bytes", s.cfg.MaxObjectSize)
	}
	return data, resp.StatusCode, nil
}

func (s *PinataStore) authorize(req *http.Request) {
	if s.cfg.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.JWT)
		return
	}
	req.Header.Set("pinata_api_key", s.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", s.cfg.APISecret)
}
