package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/pkdns-network/pkdns/keys"
	"github.com/pkdns-network/pkdns/packet"
)

// maxResponseSize bounds a relay GET body: signature, sequence, and the
// largest allowed value, plus one byte so oversized bodies are detectable.
const maxResponseSize = 64 + 8 + packet.MaxValueSize + 1

// DefaultRequestTimeout bounds one relay round trip.
const DefaultRequestTimeout = 10 * time.Second

// ErrNotFound is returned by Get when the relay holds no packet for the key.
var ErrNotFound = errors.New("relay: no signed packet found")

// ErrRelayStatus is returned when the relay answers with an unexpected
// status code.
var ErrRelayStatus = errors.New("relay: unexpected status")

// ErrResponseTooLarge is returned when a relay body exceeds the wire bound.
var ErrResponseTooLarge = errors.New("relay: response exceeds maximum packet size")

// Client publishes and resolves signed packets over an HTTP relay. The relay
// stores and serves the raw wire form under /{key}; packets are re-verified
// locally on every fetch, so a misbehaving relay can at worst withhold data.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return NewClientWithHTTP(base, &http.Client{Timeout: DefaultRequestTimeout})
}

func NewClientWithHTTP(base string, httpClient *http.Client) *Client {
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

func (c *Client) packetURL(publicKey keys.PublicKey) string {
	return c.base + "/" + publicKey.String()
}

// Put publishes p to the relay, retrying transient failures.
func (c *Client) Put(ctx context.Context, p *packet.SignedPacket) error {
	url := c.packetURL(p.PublicKey())
	payload := p.ToRelayPayload()
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			res, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer res.Body.Close()
			io.Copy(io.Discard, res.Body)
			if res.StatusCode < 200 || res.StatusCode >= 300 {
				return fmt.Errorf("%w: %s", ErrRelayStatus, res.Status)
			}
			return nil
		},
		retry.Delay(500*time.Millisecond),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		Logger.Errorf("Client->Put: relay store failed {url: %s}: %v", url, err)
		return err
	}
	Logger.Debugf("Client->Put: stored {url: %s, seq: %d}", url, p.Sequence())
	return nil
}

// Get fetches and verifies the packet stored for publicKey. A 404 maps to
// ErrNotFound; any verification failure of the fetched bytes surfaces as the
// underlying packet error.
func (c *Client) Get(ctx context.Context, publicKey keys.PublicKey) (*packet.SignedPacket, error) {
	url := c.packetURL(publicKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrRelayStatus, res.Status)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	if len(body) >= maxResponseSize {
		return nil, ErrResponseTooLarge
	}
	p, err := packet.FromRelayPayload(publicKey, body)
	if err != nil {
		Logger.Debugf("Client->Get: rejected relay response {url: %s}: %v", url, err)
		return nil, err
	}
	return p, nil
}
