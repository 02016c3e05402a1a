package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrTxNotFound is returned when a transaction cannot be found.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrNoFeeEstimate is returned when the API has no estimate for the
	// requested confirmation target.
	ErrNoFeeEstimate = errors.New("no fee estimate for target")
)

// ClientConfig holds the configuration for the Esplora client.
//
//nolint:ll
type ClientConfig struct {
	// URL is the base URL of the Esplora API (e.g.,
	// https://blockstream.info/api).
	URL string `long:"url" description:"Base URL of the Esplora API"`

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for individual HTTP requests"`

	// MaxRetries is the maximum number of retries for failed requests.
	// Callers that retry on their own should leave it at zero.
	MaxRetries int `long:"maxretries" description:"Maximum number of retries for requests that fail in transport"`

	// ConfTarget is the confirmation target fee estimates are taken for.
	ConfTarget uint32 `long:"conftarget" description:"Confirmation target in blocks used for fee estimates"`
}

// DefaultClientConfig returns a config for the public mainnet API.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		URL:            "https://blockstream.info/api",
		RequestTimeout: 30 * time.Second,
		MaxRetries:     0,
		ConfTarget:     6,
	}
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// OutSpend represents the spend status of an output.
type OutSpend struct {
	Spent  bool     `json:"spent"`
	TxID   string   `json:"txid,omitempty"`
	Vin    uint32   `json:"vin,omitempty"`
	Status TxStatus `json:"status,omitempty"`
}

// FeeEstimates represents fee estimates from the API.
// Keys are confirmation targets (as strings), values are fee rates in sat/vB.
type FeeEstimates map[string]float64

// APIError is returned when the API answers with a non-200 status. The body
// is kept verbatim so callers can surface the node's reject reason.
type APIError struct {
	// StatusCode is the HTTP status.
	StatusCode int

	// Body is the trimmed response body.
	Body string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// doRequest performs an HTTP request, retrying transport failures up to
// MaxRetries times with a linear backoff.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) (*http.Response, error) {

	url := strings.TrimSuffix(c.cfg.URL, "/") + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		log.Debugf("Request %s %s failed (attempt %d): %v", method,
			path, i+1, err)

		if i == c.cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.MaxRetries+1, lastErr)
}

// do performs a request and returns the body of a 200 response.
func (c *Client) do(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	return respBody, nil
}

// doGet performs a GET request and returns the body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// getJSON performs a GET request and decodes the JSON body into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// GetRawTransaction returns the raw serialized transaction. ErrTxNotFound is
// returned if the API doesn't know the transaction.
func (c *Client) GetRawTransaction(ctx context.Context,
	txid chainhash.Hash) ([]byte, error) {

	body, err := c.doGet(ctx, "/tx/"+txid.String()+"/hex")
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) &&
		apiErr.StatusCode == http.StatusNotFound:

		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)

	case err != nil:
		return nil, err
	}

	rawTx, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	return rawTx, nil
}

// GetTxOutSpend returns the spend status of a specific output.
func (c *Client) GetTxOutSpend(ctx context.Context, txid chainhash.Hash,
	vout uint32) (*OutSpend, error) {

	var outSpend OutSpend
	err := c.getJSON(
		ctx, fmt.Sprintf("/tx/%s/outspend/%d", txid, vout), &outSpend,
	)
	if err != nil {
		return nil, err
	}

	return &outSpend, nil
}

// GetAddressUTXOs returns the unspent outputs of an address.
func (c *Client) GetAddressUTXOs(ctx context.Context,
	address string) ([]*UTXO, error) {

	var utxos []*UTXO
	if err := c.getJSON(ctx, "/address/"+address+"/utxo", &utxos); err != nil {
		return nil, err
	}

	return utxos, nil
}

// GetFeeEstimates returns fee estimates for various confirmation targets.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var estimates FeeEstimates
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}

	return estimates, nil
}

// BroadcastTransaction broadcasts a hex encoded transaction and returns the
// txid reported by the API. A rejection is returned as an *APIError carrying
// the node's message.
func (c *Client) BroadcastTransaction(ctx context.Context,
	txHex string) (string, error) {

	body, err := c.do(ctx, http.MethodPost, "/tx", []byte(txHex))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(body)), nil
}
