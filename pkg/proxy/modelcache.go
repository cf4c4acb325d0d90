package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"mino-hq/mino/pkg/config"
	"mino-hq/mino/pkg/schema"
	"mino-hq/mino/pkg/store"
	"mino-hq/mino/pkg/telemetry/logging"
)

// ModelCache holds the process-wide model list per provider. The model-list
// endpoint serves from this cache only; a provider with no cached list
// answers 503 until a warm-up or refresh succeeds.
type ModelCache struct {
	mu     sync.RWMutex
	models map[string][]string
}

// NewModelCache returns an empty cache.
func NewModelCache() *ModelCache {
	return &ModelCache{models: map[string][]string{}}
}

// Get returns the cached model ids for a provider.
func (c *ModelCache) Get(providerID string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, ok := c.models[providerID]
	return ids, ok
}

// Set replaces a provider's cached model list.
func (c *ModelCache) Set(providerID string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[providerID] = ids
}

// ModelFetcher warms and refreshes the model cache by querying each
// provider's model-list endpoint with one of its own keys.
type ModelFetcher struct {
	cache   *ModelCache
	store   store.Store
	client  *http.Client
	retries int
	logger  *slog.Logger
}

// NewModelFetcher wires a fetcher. retries bounds how many distinct keys
// are tried per provider before giving up.
func NewModelFetcher(cache *ModelCache, st store.Store, client *http.Client, retries int, logger *slog.Logger) *ModelFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 1 {
		retries = 1
	}
	return &ModelFetcher{
		cache:   cache,
		store:   st,
		client:  client,
		retries: retries,
		logger:  logger.With("component", "modelcache"),
	}
}

// Refresh fetches the model list for every enabled provider in the
// registry. A provider failure is logged and skipped; the previous cache
// entry, if any, survives.
func (f *ModelFetcher) Refresh(ctx context.Context, reg *config.Registry) {
	for _, p := range reg.All() {
		if !p.Enable {
			continue
		}
		if err := f.refreshProvider(ctx, p); err != nil {
			f.logger.Warn("model cache refresh failed",
				"provider", p.ID,
				"error", err)
		}
	}
}

// refreshProvider tries up to retries distinct keys; a key that fails the
// fetch is excluded from subsequent picks for this provider.
func (f *ModelFetcher) refreshProvider(ctx context.Context, p *config.Provider) error {
	if len(p.Schema) == 0 {
		return fmt.Errorf("provider %s has no schema", p.ID)
	}
	sc := p.Schema[0]
	kind, ok := schema.ParseKind(sc.ID)
	if !ok {
		return fmt.Errorf("provider %s has unknown schema %q", p.ID, sc.ID)
	}

	var failed []string
	var lastErr error
	for attempt := 0; attempt < f.retries; attempt++ {
		key, err := f.store.GetRandomActiveKey(ctx, p.KeysID, failed)
		if err != nil {
			return err
		}
		if key == nil {
			if lastErr != nil {
				return lastErr
			}
			return fmt.Errorf("no key available for pool %s", p.KeysID)
		}

		ids, err := f.fetchModels(ctx, p, sc, kind, key.Secret)
		if err != nil {
			failed = append(failed, key.Secret)
			lastErr = err
			f.logger.Debug("model fetch attempt failed",
				"provider", p.ID,
				"key", logging.RedactKey(key.Secret),
				"error", err)
			continue
		}

		f.cache.Set(p.ID, ids)
		f.logger.Info("model list cached", "provider", p.ID, "models", len(ids))
		return nil
	}
	return lastErr
}

func (f *ModelFetcher) fetchModels(ctx context.Context, p *config.Provider, sc config.ProviderSchema, kind schema.Kind, secret string) ([]string, error) {
	endpoint := joinUpstreamPath(p.BaseURL(sc, ""), sc.UpstreamPath, "/models")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	schema.ForKind(kind).InjectCredential(req.Header, q, secret)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model list fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return parseModelList(body)
}

// parseModelList decodes the two model-list shapes the upstream families
// use: {"data":[{"id":...}]} and {"models":[{"name":"models/..."}]}.
func parseModelList(body []byte) ([]string, error) {
	var decoded struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, err
	}

	var ids []string
	for _, m := range decoded.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	for _, m := range decoded.Models {
		if m.Name != "" {
			ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("model list response carried no model ids")
	}
	return ids, nil
}
