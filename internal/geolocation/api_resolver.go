package geolocation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultAPIURL   = "https://api.ipgeolocation.io/ipgeo"
	maxAPIBodyBytes = 1 << 20
	userAgent       = "ipwarden-geolocation/1.0"
)

// APIResolver queries an ipgeolocation.io compatible HTTP endpoint.
type APIResolver struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type apiResponse struct {
	CountryName string `json:"country_name"`
	City        string `json:"city"`
	Message     string `json:"message"`
}

func NewAPIResolver(baseURL, apiKey string, timeout time.Duration) *APIResolver {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &APIResolver{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *APIResolver) Resolve(ctx context.Context, ip string) (Location, error) {
	endpoint, err := url.Parse(r.baseURL)
	if err != nil {
		return Location{}, fmt.Errorf("geolocation api: parse url: %w", err)
	}
	query := endpoint.Query()
	query.Set("ip", ip)
	if r.apiKey != "" {
		query.Set("apiKey", r.apiKey)
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Location{}, fmt.Errorf("geolocation api: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geolocation api: request %s: %w", ip, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBodyBytes))
	if err != nil {
		return Location{}, fmt.Errorf("geolocation api: read body: %w", err)
	}

	var payload apiResponse
	decodeErr := json.Unmarshal(body, &payload)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(payload.Message)
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return Location{}, fmt.Errorf("geolocation api: unexpected status %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return Location{}, fmt.Errorf("geolocation api: decode: %w", decodeErr)
	}

	return Location{Country: payload.CountryName, City: payload.City}, nil
}
