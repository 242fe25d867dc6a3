// Package services holds the typed façades over the transport: model
// catalog, user/profile lookups, chat, and solo mode. Each service only
// shapes payloads; all protocol logic lives in the transport.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/icube-dev/traego/internal/trace"
	"github.com/icube-dev/traego/internal/transport"
)

// DefaultModel is the model selected until the caller picks another.
const DefaultModel = "MiniMax-M2.1"

const modelCacheTTL = 5 * time.Minute

// Model is one entry of the model catalog.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	DisplayName string `json:"display_name"`
	MaxTokens   int    `json:"max_tokens"`
	Available   bool   `json:"available"`
}

// SelectionModes describes the server-side model selection options.
type SelectionModes struct {
	Modes   []string `json:"modes"`
	Default string   `json:"default"`
}

// Models is the model catalog service. List responses are cached with
// a short TTL: the IDE polls the catalog far more often than it
// changes.
type Models struct {
	tp     *transport.Transport
	logger *slog.Logger
	cache  *ristretto.Cache[string, []Model]

	mu       sync.RWMutex
	selected string
	known    []Model
}

// NewModels creates the model catalog service.
func NewModels(tp *transport.Transport, logger *slog.Logger) (*Models, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []Model]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init model cache: %w", err)
	}
	return &Models{
		tp:       tp,
		logger:   logger,
		cache:    cache,
		selected: DefaultModel,
	}, nil
}

// List fetches the available models, serving repeated calls from cache
// until the TTL lapses.
func (m *Models) List(ctx context.Context) ([]Model, error) {
	if cached, ok := m.cache.Get("models"); ok {
		return cached, nil
	}

	env, err := m.tp.Execute(ctx, transport.Request{
		Method: "POST",
		Path:   "/model/list",
		Kind:   trace.KindModel,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Models []Model `json:"models"`
	}
	if err := env.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	m.cache.SetWithTTL("models", payload.Models, int64(len(payload.Models)+1), modelCacheTTL)
	m.cache.Wait()

	m.mu.Lock()
	m.known = payload.Models
	m.mu.Unlock()
	return payload.Models, nil
}

// InvalidateCache drops the cached catalog, forcing the next List to
// hit the network.
func (m *Models) InvalidateCache() {
	m.cache.Del("models")
}

// SelectionModes fetches the model selection modes.
func (m *Models) SelectionModes(ctx context.Context) (*SelectionModes, error) {
	env, err := m.tp.Execute(ctx, transport.Request{
		Method: "POST",
		Path:   "/model/selection/modes",
		Kind:   trace.KindModel,
	})
	if err != nil {
		return nil, err
	}
	var modes SelectionModes
	if err := env.Decode(&modes); err != nil {
		return nil, fmt.Errorf("decode selection modes: %w", err)
	}
	return &modes, nil
}

// Select picks the model used by subsequent chat calls. When a catalog
// has been fetched, unknown names are rejected.
func (m *Models) Select(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.known) > 0 {
		found := false
		for _, mod := range m.known {
			if mod.Name == name || mod.ID == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("model %q not in catalog", name)
		}
	}

	m.selected = name
	m.logger.Info("model selected", slog.String("model", name))
	return nil
}

// Selected returns the currently selected model name.
func (m *Models) Selected() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selected
}
