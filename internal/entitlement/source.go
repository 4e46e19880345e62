package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/QuizVoice/internal/domain"
)

type sourceRecord struct {
	UserID    domain.UserID `json:"userId"`
	Tier      domain.Tier   `json:"tier"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
}

// HTTPSource reads the authoritative record from GET <base>/users/<id>/entitlement.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, uid domain.UserID) (*domain.EntitlementRecord, error) {
	u := fmt.Sprintf("%s/users/%s/entitlement", s.BaseURL, url.PathEscape(string(uid)))
	var body sourceRecord
	if err := getJSON(ctx, s.Client, u, &body); err != nil {
		return nil, err
	}
	if !body.Tier.Valid() {
		return nil, fmt.Errorf("source returned tier %q", body.Tier)
	}
	return domain.NewEntitlementRecord(uid, body.Tier, body.ExpiresAt), nil
}

// Summary is the public view served by GET /api/entitlements/:userId.
type Summary struct {
	UserID   domain.UserID     `json:"userId"`
	Tier     domain.Tier       `json:"tier"`
	Features domain.FeatureSet `json:"features"`
}

// Remote reads entitlement summaries from the coordination server.
type Remote struct {
	BaseURL string
	Client  *http.Client
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *Remote) Get(ctx context.Context, uid domain.UserID) (Summary, error) {
	var s Summary
	u := fmt.Sprintf("%s/api/entitlements/%s", r.BaseURL, url.PathEscape(string(uid)))
	if err := getJSON(ctx, r.Client, u, &s); err != nil {
		return Summary{}, err
	}
	return s, nil
}

func getJSON(ctx context.Context, client *http.Client, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", u, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("get %s: status %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}
