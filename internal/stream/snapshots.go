package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/procurement-enricher/internal/operation"
)

// Fetcher reads an operation snapshot from wherever the client can reach it.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (operation.Operation, error)
}

// HTTPFetcher reads snapshots from GET {BaseURL}/operations/{id}.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	APIKey  string
}

// Fetch implements Fetcher. A 404 maps to operation.ErrNotFound.
func (f HTTPFetcher) Fetch(ctx context.Context, id string) (operation.Operation, error) {
	endpoint := strings.TrimRight(f.BaseURL, "/") + "/operations/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return operation.Operation{}, fmt.Errorf("build snapshot request: %w", err)
	}
	if f.APIKey != "" {
		req.Header.Set("X-API-Key", f.APIKey)
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return operation.Operation{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return operation.Operation{}, fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return operation.Operation{}, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}
	var op operation.Operation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return operation.Operation{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return op, nil
}

// RegistryFetcher adapts an in-process registry to Fetcher.
type RegistryFetcher struct {
	Ops Snapshots
}

// Fetch implements Fetcher.
func (f RegistryFetcher) Fetch(_ context.Context, id string) (operation.Operation, error) {
	return f.Ops.Get(id)
}
