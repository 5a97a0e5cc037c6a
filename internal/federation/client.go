package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nexus-chat/nexus/internal/models"
	"github.com/nexus-chat/nexus/internal/nexuserr"
)

// ClientTimeout is the total deadline for any outbound federation HTTP call.
const ClientTimeout = 30 * time.Second

// UserAgent identifies this instance to federation peers, matching the
// teacher's own client identification convention.
const UserAgent = "nexus/1.0 (+federation)"

// RemoteKeyCacheTTL bounds how long a fetched remote key document is
// trusted before it must be re-fetched, independent of its own
// valid_until_ts (a conservative local ceiling).
const RemoteKeyCacheTTL = 10 * time.Minute

// Client makes outbound signed federation HTTP calls.
type Client struct {
	origin   string
	keyPair  *models.ServerKeyPair
	discover *DiscoveryCache
	http     *http.Client
	keyCache *TTLCache[models.KeyDocument]
	logger   *slog.Logger
}

// NewClient creates a Client for the given local origin server name, signing
// all outbound requests with kp.
func NewClient(origin string, kp *models.ServerKeyPair, discover *DiscoveryCache, logger *slog.Logger) *Client {
	return &Client{
		origin:   origin,
		keyPair:  kp,
		discover: discover,
		http:     &http.Client{Timeout: ClientTimeout},
		keyCache: NewTTLCache[models.KeyDocument](RemoteKeyCacheTTL, 10_000),
		logger:   logger,
	}
}

// newTxnID generates a fresh 128-bit random hex transaction id.
func newTxnID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// SendTransaction delivers a transaction envelope to destination via
// PUT /_nexus/federation/v1/send/{txn_id}.
func (c *Client) SendTransaction(ctx context.Context, destination string, txn models.Transaction) error {
	txnID := newTxnID()
	uri := fmt.Sprintf("/_nexus/federation/v1/send/%s", txnID)
	var resp json.RawMessage
	return c.doSigned(ctx, http.MethodPut, destination, uri, txn, &resp)
}

// GetEvent fetches a single event by id from destination.
func (c *Client) GetEvent(ctx context.Context, destination, eventID string) (*models.PDU, error) {
	uri := fmt.Sprintf("/_nexus/federation/v1/event/%s", eventID)
	var pdu models.PDU
	if err := c.doSigned(ctx, http.MethodGet, destination, uri, nil, &pdu); err != nil {
		return nil, err
	}
	return &pdu, nil
}

// GetState fetches room state from destination, optionally as of a given event.
func (c *Client) GetState(ctx context.Context, destination, roomID, at string) ([]models.PDU, error) {
	uri := fmt.Sprintf("/_nexus/federation/v1/state/%s", roomID)
	if at != "" {
		uri += "?at=" + url.QueryEscape(at)
	}
	var pdus []models.PDU
	if err := c.doSigned(ctx, http.MethodGet, destination, uri, nil, &pdus); err != nil {
		return nil, err
	}
	return pdus, nil
}

// MakeJoin requests a join event template for userID in roomID from destination.
func (c *Client) MakeJoin(ctx context.Context, destination, roomID, userID string) (*models.PDU, error) {
	uri := fmt.Sprintf("/_nexus/federation/v1/make_join/%s/%s", roomID, userID)
	var pdu models.PDU
	if err := c.doSigned(ctx, http.MethodGet, destination, uri, nil, &pdu); err != nil {
		return nil, err
	}
	return &pdu, nil
}

// SendJoin submits a signed join event back to destination.
func (c *Client) SendJoin(ctx context.Context, destination, roomID, eventID string, signedEvent models.PDU) ([]models.PDU, error) {
	uri := fmt.Sprintf("/_nexus/federation/v1/send_join/%s/%s", roomID, eventID)
	var state []models.PDU
	if err := c.doSigned(ctx, http.MethodPut, destination, uri, signedEvent, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// DirectoryEntry is one row of a remote instance's public room directory.
type DirectoryEntry struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// QueryDirectory lists public rooms advertised by destination.
func (c *Client) QueryDirectory(ctx context.Context, destination string, limit int, since string) ([]DirectoryEntry, error) {
	uri := "/_nexus/federation/v1/directory"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if since != "" {
		q.Set("since", since)
	}
	if enc := q.Encode(); enc != "" {
		uri += "?" + enc
	}
	var entries []DirectoryEntry
	if err := c.doSigned(ctx, http.MethodGet, destination, uri, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// FetchServerKeys fetches the unauthenticated key document for destination,
// using a short-lived in-memory cache keyed by server name.
func (c *Client) FetchServerKeys(ctx context.Context, destination string) (models.KeyDocument, error) {
	if doc, ok := c.keyCache.Get(destination); ok {
		return doc, nil
	}

	base, err := c.discover.Resolve(destination)
	if err != nil {
		return models.KeyDocument{}, nexuserr.Wrap(nexuserr.DiscoveryFailed, "resolving destination", err)
	}
	target := base.String() + "/_nexus/key/v2/server"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return models.KeyDocument{}, err
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.discover.Invalidate(destination)
		return models.KeyDocument{}, nexuserr.Wrap(nexuserr.RemoteUnreachable, "fetching server keys", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.KeyDocument{}, nexuserr.New(nexuserr.RemoteHTTP, fmt.Sprintf("key fetch from %s returned %d", destination, resp.StatusCode))
	}

	var doc models.KeyDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return models.KeyDocument{}, nexuserr.Wrap(nexuserr.RemoteProtocol, "decoding key document", err)
	}

	c.keyCache.Set(destination, doc)
	return doc, nil
}

// FetchVerifyKey resolves a single (server, key_id) public key, fetching and
// caching the server's key document as needed.
func (c *Client) FetchVerifyKey(ctx context.Context, server, keyID string) (ed25519.PublicKey, error) {
	doc, err := c.FetchServerKeys(ctx, server)
	if err != nil {
		return nil, err
	}
	entry, ok := doc.VerifyKeys[keyID]
	if !ok {
		return nil, nexuserr.New(nexuserr.KeyNotFound, fmt.Sprintf("key %s not found for server %s", keyID, server))
	}
	raw, err := base64URLDecode(entry.Key)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KeyNotFound, "decoding verify key", err)
	}
	return ed25519.PublicKey(raw), nil
}

// doSigned performs a signed request against destination and decodes the
// JSON response into out (if non-nil). Transport failures and 5xx
// responses invalidate the destination's discovery cache entry before
// returning, and no automatic retry is attempted — callers decide.
func (c *Client) doSigned(ctx context.Context, method, destination, uri string, body, out interface{}) error {
	base, err := c.discover.Resolve(destination)
	if err != nil {
		return nexuserr.Wrap(nexuserr.DiscoveryFailed, "resolving destination", err)
	}

	var bodyBytes []byte
	var content interface{}
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		content = body
	}

	header, err := SignRequest(c.keyPair, c.origin, destination, method, uri, content)
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}

	target := base.String() + uri
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("User-Agent", UserAgent)
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	} else {
		// Bodiless signed GETs carry no origin_server_ts to check clock
		// skew against, so the receiving Ingress middleware requires this
		// header instead.
		req.Header.Set("X-Nexus-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.discover.Invalidate(destination)
		return nexuserr.Wrap(nexuserr.RemoteUnreachable, "request to "+destination+" failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.discover.Invalidate(destination)
		return nexuserr.New(nexuserr.RemoteHTTP, fmt.Sprintf("%s returned %d", destination, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nexuserr.New(nexuserr.RemoteHTTP, fmt.Sprintf("%s returned %d", destination, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nexuserr.Wrap(nexuserr.RemoteProtocol, "decoding response", err)
	}
	return nil
}
