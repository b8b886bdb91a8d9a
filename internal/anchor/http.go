package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/digest"
)

// HTTPAnchorer talks JSON to a remote calendar service:
//
//	POST {base}/digests        {"digest": "<hex>"}  -> {"id", "submitted_at"}
//	GET  {base}/digests/{id}                        -> {"state", "reason", "receipt"}
type HTTPAnchorer struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPAnchorer returns a client for the calendar at baseURL. timeout
// bounds each request.
func NewHTTPAnchorer(baseURL string, timeout time.Duration, logger *zap.Logger) (*HTTPAnchorer, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("anchor: invalid calendar URL %q", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAnchorer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

type submitRequest struct {
	Digest string `json:"digest"`
}

type submitResponse struct {
	ID          string    `json:"id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Submit implements Anchorer.
func (a *HTTPAnchorer) Submit(ctx context.Context, d string) (Handle, error) {
	d, err := digest.Normalize(d)
	if err != nil {
		return Handle{}, err
	}
	body, _ := json.Marshal(submitRequest{Digest: d})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/digests", bytes.NewReader(body))
	if err != nil {
		return Handle{}, fmt.Errorf("anchor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out submitResponse
	if err := a.do(req, &out); err != nil {
		return Handle{}, err
	}
	if out.ID == "" {
		return Handle{}, fmt.Errorf("anchor: calendar returned no handle id")
	}
	if out.SubmittedAt.IsZero() {
		out.SubmittedAt = time.Now()
	}
	a.logger.Debug("digest submitted", zap.String("digest", d), zap.String("handle", out.ID))
	return Handle{ID: out.ID, Digest: d, SubmittedAt: out.SubmittedAt.UTC()}, nil
}

type statusResponse struct {
	State   State  `json:"state"`
	Reason  string `json:"reason"`
	Receipt *struct {
		Proof       []byte    `json:"proof"`
		ConfirmedAt time.Time `json:"confirmed_at"`
	} `json:"receipt"`
}

// CheckStatus implements Anchorer.
func (a *HTTPAnchorer) CheckStatus(ctx context.Context, h Handle) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/digests/"+url.PathEscape(h.ID), nil)
	if err != nil {
		return Status{}, fmt.Errorf("anchor: build request: %w", err)
	}

	var out statusResponse
	if err := a.do(req, &out); err != nil {
		return Status{}, err
	}

	switch out.State {
	case StatePending:
		return Status{State: StatePending}, nil
	case StateFailed:
		return Status{State: StateFailed, Reason: out.Reason}, nil
	case StateConfirmed:
		if out.Receipt == nil || len(out.Receipt.Proof) == 0 {
			return Status{}, fmt.Errorf("anchor: confirmed status for %s carries no receipt", h.ID)
		}
		return Status{State: StateConfirmed, Receipt: &Receipt{
			HandleID:    h.ID,
			Digest:      h.Digest,
			Proof:       out.Receipt.Proof,
			ConfirmedAt: out.Receipt.ConfirmedAt.UTC(),
		}}, nil
	default:
		return Status{}, fmt.Errorf("anchor: calendar returned unknown state %q", out.State)
	}
}

func (a *HTTPAnchorer) do(req *http.Request, dst any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("anchor: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownHandle
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("anchor: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst); err != nil {
		return fmt.Errorf("anchor: decode response: %w", err)
	}
	return nil
}
