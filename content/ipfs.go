package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"certchain/certificate"
)

// IPFSConfig configures the IPFS HTTP API client.
type IPFSConfig struct {
	APIURL      string
	GatewayBase string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// IPFS uploads objects through the Kubo HTTP API and pins them.
type IPFS struct {
	api     string
	gateway string
	client  *http.Client
	logger  *slog.Logger
}

// NewIPFS constructs an IPFS API client.
func NewIPFS(cfg IPFSConfig) (*IPFS, error) {
	api := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if api == "" {
		return nil, fmt.Errorf("content: ipfs api url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IPFS{api: api, gateway: cfg.GatewayBase, client: client, logger: logger.With("component", "content.ipfs")}, nil
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Upload adds and pins data, returning the content hash assigned by the node.
func (c *IPFS) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("content: empty upload")
	}
	if strings.TrimSpace(filename) == "" {
		filename = "certificate.pdf"
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("content: build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("content: build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("content: build upload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api+"/api/v0/add?pin=true", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("content: upload: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("content: read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("content: upload status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out addResponse
	// The add endpoint streams one JSON object per line; the last one wins.
	for _, line := range bytes.Split(bytes.TrimSpace(raw), []byte("\n")) {
		var entry addResponse
		if err := json.Unmarshal(line, &entry); err != nil {
			return "", fmt.Errorf("content: decode upload response: %w", err)
		}
		out = entry
	}
	if out.Hash == "" {
		return "", fmt.Errorf("content: upload response missing hash")
	}
	c.logger.Debug("content pinned", "hash", out.Hash, "size", out.Size)
	return out.Hash, nil
}

// URL resolves hash against the configured gateway.
func (c *IPFS) URL(hash string) string {
	return certificate.GatewayURL(c.gateway, hash)
}
