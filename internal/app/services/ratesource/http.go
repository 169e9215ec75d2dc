package ratesource

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lendscope/yieldoracle/internal/app/domain/yield"
	"github.com/lendscope/yieldoracle/pkg/logger"
)

// HTTPSource reads pool state from a JSON endpoint. The utilization and
// supply rate are extracted with gjson paths so the same source type can sit
// in front of differently shaped pool APIs.
type HTTPSource struct {
	client          *http.Client
	endpoint        *url.URL
	apiKey          string
	utilizationPath string
	ratePath        string
	log             *logger.Logger
}

// NewHTTPSource constructs a source for the given endpoint. The endpoint is
// queried with an `asset` parameter; utilizationPath and ratePath select the
// decimal fields in the response document.
func NewHTTPSource(client *http.Client, endpoint, apiKey, utilizationPath, ratePath string, log *logger.Logger) (*HTTPSource, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("rate source endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse rate source endpoint: %w", err)
	}
	if utilizationPath == "" || ratePath == "" {
		return nil, fmt.Errorf("utilization and rate paths required")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("ratesource-http")
	}
	return &HTTPSource{
		client:          client,
		endpoint:        parsed,
		apiKey:          strings.TrimSpace(apiKey),
		utilizationPath: utilizationPath,
		ratePath:        ratePath,
		log:             log,
	}, nil
}

func (s *HTTPSource) Utilization(ctx context.Context, symbol string) (*big.Int, error) {
	return s.extract(ctx, symbol, s.utilizationPath)
}

// SupplyRate ignores the sampled utilization: the pool endpoint already
// reports the rate at current utilization, so re-deriving it client side
// would only race the pool's own state.
func (s *HTTPSource) SupplyRate(ctx context.Context, symbol string, _ *big.Int) (*big.Int, error) {
	return s.extract(ctx, symbol, s.ratePath)
}

func (s *HTTPSource) extract(ctx context.Context, symbol, path string) (*big.Int, error) {
	requestURL := *s.endpoint
	q := requestURL.Query()
	q.Set("asset", symbol)
	requestURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build rate source request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rate source request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate source status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read rate source response: %w", err)
	}

	field := gjson.GetBytes(body, path)
	if !field.Exists() {
		return nil, fmt.Errorf("rate source response missing %q", path)
	}

	// Parse the raw JSON token rather than a float64 so full 18-decimal
	// precision survives.
	value, err := yield.ParseRate(strings.Trim(field.Raw, `"`))
	if err != nil {
		return nil, fmt.Errorf("rate source field %q: %w", path, err)
	}
	return value, nil
}
