package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxResponseBytes bounds a decoded response body.
const maxResponseBytes = 8 << 20

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("custody API error %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match status classes with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Event is one ledger entry.
type Event struct {
	ID          int64          `json:"event_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Action      string         `json:"action"`
	SubjectHash string         `json:"subject_hash,omitempty"`
	PrevHash    string         `json:"prev_hash,omitempty"`
	CurrentHash string         `json:"current_hash"`
	Metadata    map[string]any `json:"metadata"`
}

// Overview summarizes the ledger.
type Overview struct {
	Case     string    `json:"case"`
	Events   int       `json:"events"`
	Head     string    `json:"head"`
	HeadID   int64     `json:"head_id"`
	HeadTime time.Time `json:"head_time"`
}

// Divergence locates the first event that failed verification.
type Divergence struct {
	Index   int    `json:"index"`
	EventID int64  `json:"event_id"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail"`
}

// Verification is the server's integrity check of the whole chain.
type Verification struct {
	Valid      bool        `json:"valid"`
	Events     int         `json:"events"`
	Head       string      `json:"head,omitempty"`
	Divergence *Divergence `json:"divergence,omitempty"`
}

// EventPage is one page of GET /ledger/events. Next is zero on the last
// page.
type EventPage struct {
	Events []Event `json:"events"`
	Count  int     `json:"count"`
	Next   int64   `json:"next,omitempty"`
}

// Artifact describes one piece of evidence by its content hash.
type Artifact struct {
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size_bytes"`
}

// Snapshot is a sealed Merkle batch.
type Snapshot struct {
	RootHash         string    `json:"root_hash"`
	LeafCount        int       `json:"leaf_count"`
	SortedLeafHashes []string  `json:"sorted_leaf_hashes"`
	BuiltAt          time.Time `json:"built_at"`
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"`
}

// Proof is a Merkle inclusion proof.
type Proof struct {
	LeafHash  string      `json:"leaf_hash"`
	LeafIndex int         `json:"leaf_index"`
	LeafCount int         `json:"leaf_count"`
	Steps     []ProofStep `json:"steps"`
}

// AnchorHandle identifies a submission to the external anchor.
type AnchorHandle struct {
	ID          string    `json:"id"`
	Digest      string    `json:"digest"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// BundleCheck is the server's verdict on an uploaded bundle.
type BundleCheck struct {
	Valid    bool     `json:"valid"`
	Error    string   `json:"error,omitempty"`
	Artifact Artifact `json:"artifact"`
	RootHash string   `json:"root_hash"`
	Anchored bool     `json:"anchored"`
}

// Client talks to one custody server.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	cache       *snapshotCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("client: nil http.Client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an operator token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithSnapshotCache keeps fetched snapshots for ttl. Snapshots are
// addressed by their root hash and never change, so a long ttl is safe.
func WithSnapshotCache(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newSnapshotCache(ttl)
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/") + "/api/v1",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Overview returns the ledger length and head.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	return &out, c.getJSON(ctx, "/ledger", &out)
}

// Verify asks the server to recompute the whole chain.
func (c *Client) Verify(ctx context.Context) (*Verification, error) {
	var out Verification
	return &out, c.getJSON(ctx, "/ledger/verify", &out)
}

// Events returns up to limit events starting at id from.
func (c *Client) Events(ctx context.Context, from int64, limit int) (*EventPage, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(from, 10))
	q.Set("limit", strconv.Itoa(limit))
	var out EventPage
	return &out, c.getJSON(ctx, "/ledger/events?"+q.Encode(), &out)
}

// Event returns the event with the given id.
func (c *Client) Event(ctx context.Context, id int64) (*Event, error) {
	var out Event
	return &out, c.getJSON(ctx, "/ledger/events/"+strconv.FormatInt(id, 10), &out)
}

// AppendEvent records an event. Requires the ledger:write scope.
func (c *Client) AppendEvent(ctx context.Context, action, subjectHash string, metadata map[string]any) (*Event, error) {
	body := map[string]any{"action": action, "subject_hash": subjectHash, "metadata": metadata}
	var out Event
	return &out, c.sendJSON(ctx, http.MethodPost, "/ledger/events", body, &out)
}

// Manifest lists ingested artifacts in ingest order.
func (c *Client) Manifest(ctx context.Context) ([]Artifact, error) {
	var out struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	if err := c.getJSON(ctx, "/artifacts", &out); err != nil {
		return nil, err
	}
	return out.Artifacts, nil
}

// Ingest records an artifact the caller has already hashed. Requires the
// ledger:write scope.
func (c *Client) Ingest(ctx context.Context, a Artifact, metadata map[string]any) (*Event, error) {
	body := map[string]any{
		"name": a.Name, "content_hash": a.ContentHash, "size_bytes": a.Size, "metadata": metadata,
	}
	var out Event
	return &out, c.sendJSON(ctx, http.MethodPost, "/artifacts", body, &out)
}

// BuildSnapshot seals leaves into a Merkle batch; nil leaves seals every
// ingested artifact. Requires the ledger:write scope.
func (c *Client) BuildSnapshot(ctx context.Context, leaves []string) (*Snapshot, error) {
	var out Snapshot
	if err := c.sendJSON(ctx, http.MethodPost, "/snapshots", map[string]any{"leaves": leaves}, &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(out.RootHash, &out)
	}
	return &out, nil
}

// Snapshot fetches the batch with the given root.
func (c *Client) Snapshot(ctx context.Context, root string) (*Snapshot, error) {
	if c.cache != nil {
		if s, ok := c.cache.get(root); ok {
			return s, nil
		}
	}
	var out Snapshot
	if err := c.getJSON(ctx, "/snapshots/"+url.PathEscape(root), &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(root, &out)
	}
	return &out, nil
}

// Proof fetches the inclusion proof of leaf under root.
func (c *Client) Proof(ctx context.Context, root, leaf string) (*Proof, error) {
	var out Proof
	return &out, c.getJSON(ctx, "/snapshots/"+url.PathEscape(root)+"/proof/"+url.PathEscape(leaf), &out)
}

// VerifyProof asks the server whether proof places leaf under root.
func (c *Client) VerifyProof(ctx context.Context, leaf, root string, proof *Proof) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.sendJSON(ctx, http.MethodPost, "/proofs/verify", map[string]any{"leaf": leaf, "root": root, "proof": proof}, &out)
	return out.Valid, err
}

// ExportBundle returns the CBOR proof bundle for leaf under root. The
// export is recorded in the ledger. Requires the ledger:write scope.
func (c *Client) ExportBundle(ctx context.Context, root, leaf string) ([]byte, error) {
	data, err := json.Marshal(map[string]string{"root": root, "leaf": leaf})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/bundles", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/cbor")
	return c.do(req)
}

// CheckBundle uploads a bundle for offline-equivalent verification.
func (c *Client) CheckBundle(ctx context.Context, bundle []byte) (*BundleCheck, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/bundles/verify", bytes.NewReader(bundle))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/cbor")
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var out BundleCheck
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// SubmitAnchor anchors digest, or the ledger head when digest is empty.
// Requires the anchor:write scope.
func (c *Client) SubmitAnchor(ctx context.Context, digest string) (*AnchorHandle, error) {
	var out AnchorHandle
	return &out, c.sendJSON(ctx, http.MethodPost, "/anchors", map[string]string{"digest": digest}, &out)
}

// PendingAnchors lists unresolved submissions, oldest first.
func (c *Client) PendingAnchors(ctx context.Context) ([]AnchorHandle, error) {
	var out struct {
		Handles []AnchorHandle `json:"handles"`
	}
	if err := c.getJSON(ctx, "/anchors/pending", &out); err != nil {
		return nil, err
	}
	return out.Handles, nil
}

// CancelAnchor stops tracking a pending submission. Requires the
// anchor:write scope.
func (c *Client) CancelAnchor(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/anchors/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return decodeJSON(body, dst)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, dst any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, method, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return decodeJSON(body, dst)
}

// decodeJSON keeps metadata numbers exact.
func decodeJSON(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}

// --- snapshot cache ---

type cacheEntry struct {
	snap      *Snapshot
	expiresAt time.Time
}

type snapshotCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	return &snapshotCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (sc *snapshotCache) get(root string) (*Snapshot, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	e, ok := sc.entries[root]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.snap, true
}

func (sc *snapshotCache) set(root string, s *Snapshot) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.entries[root] = &cacheEntry{snap: s, expiresAt: time.Now().Add(sc.ttl)}
}
