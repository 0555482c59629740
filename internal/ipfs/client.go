// Package ipfs uploads encrypted documents to a Pinata-compatible
// pinning service and returns the resulting content identifier.
package ipfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/blockserved/notice-service/internal/config"
	"github.com/blockserved/notice-service/internal/logger"
	"github.com/sethvargo/go-retry"
)

const pinPath = "/pinning/pinFileToIPFS"

// ErrNoCredentials means the client has neither an API key pair nor a
// JWT. In production mode issuance must not proceed past this.
var ErrNoCredentials = errors.New("ipfs: no pinning credentials configured")

// PinMeta tags an upload for later lookup on the pinning service.
type PinMeta struct {
	Name          string
	CaseNumber    string
	ServerAddress string
}

// Pinner is the storage operation the issuance workflow depends on.
type Pinner interface {
	Pin(ctx context.Context, data []byte, meta PinMeta) (string, error)
}

// Client talks to a Pinata-style pinning API with bounded retries.
type Client struct {
	endpoint   string
	apiKey     string
	apiSecret  string
	jwt        string
	production bool
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(cfg config.StorageConfig, log *logger.Logger) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		jwt:        cfg.JWT,
		production: cfg.Mode == "production",
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (c *Client) hasCredentials() bool {
	return c.jwt != "" || (c.apiKey != "" && c.apiSecret != "")
}

// Pin uploads encrypted bytes and returns the content identifier.
// Transient failures are retried up to 3 times with exponential
// backoff. In development mode a missing credential or an exhausted
// retry budget degrades to a deterministic placeholder identifier so
// the workflow stays exercisable end to end.
func (c *Client) Pin(ctx context.Context, data []byte, meta PinMeta) (string, error) {
	if len(data) == 0 {
		return "", errors.New("ipfs: empty payload")
	}

	if !c.hasCredentials() {
		if c.production {
			return "", ErrNoCredentials
		}
		cid := placeholderCID(data)
		c.log.Warn("No pinning credentials, using placeholder CID %s for case %s", cid, meta.CaseNumber)
		return cid, nil
	}

	var cid string
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		h, attemptErr := c.pinOnce(ctx, data, meta)
		if attemptErr != nil {
			return attemptErr
		}
		cid = h
		return nil
	})
	if err != nil {
		if !c.production {
			cid := placeholderCID(data)
			c.log.Warn("Pinning failed (%v), using placeholder CID %s for case %s", err, cid, meta.CaseNumber)
			return cid, nil
		}
		return "", fmt.Errorf("ipfs: upload failed: %w", err)
	}

	return cid, nil
}

func (c *Client) pinOnce(ctx context.Context, data []byte, meta PinMeta) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", meta.Name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}

	metaJSON, err := json.Marshal(map[string]interface{}{
		"name": meta.Name,
		"keyvalues": map[string]string{
			"case_number":    meta.CaseNumber,
			"server_address": meta.ServerAddress,
		},
	})
	if err != nil {
		return "", err
	}
	if err := writer.WriteField("pinataMetadata", string(metaJSON)); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+pinPath, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwt)
	} else {
		req.Header.Set("pinata_api_key", c.apiKey)
		req.Header.Set("pinata_secret_api_key", c.apiSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// network errors are worth another attempt
		return "", retry.RetryableError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", retry.RetryableError(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", retry.RetryableError(fmt.Errorf("pinning service returned %d: %s", resp.StatusCode, respBody))
	default:
		// auth/size errors will not get better on retry
		return "", fmt.Errorf("pinning service returned %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("invalid pinning response: %w", err)
	}
	if result.IpfsHash == "" {
		return "", errors.New("pinning response missing IpfsHash")
	}

	return result.IpfsHash, nil
}

// placeholderCID derives a stable stand-in identifier from the payload
// so repeated dev-mode runs of one document agree.
func placeholderCID(data []byte) string {
	sum := sha256.Sum256(data)
	return "QmDev" + hex.EncodeToString(sum[:17])
}
