package extensions

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/tabula/internal/expressions"
	"github.com/rendis/tabula/internal/handlers"
	"github.com/rendis/tabula/internal/store"
	"github.com/rendis/tabula/internal/streaming"
	"github.com/rendis/tabula/internal/validation"
	"github.com/rendis/tabula/pkg/schema"
)

// EventPublisher announces extension lifecycle events on the stream hub.
type EventPublisher interface {
	Publish(ctx context.Context, event streaming.StreamEvent) error
}

// Manager owns the extension lifecycle: manifest validation, handler
// registration, persistence, and teardown. Loading is atomic per manifest;
// a partial registration failure rolls back everything the manifest
// contributed.
type Manager struct {
	store    store.Store
	registry *handlers.Registry
	schemas  *validation.SchemaValidator
	engines  *expressions.Engines
	hub      EventPublisher
	logger   *slog.Logger

	mu     sync.RWMutex
	loaded map[string]*Manifest
	order  []string
}

// NewManager creates an extension Manager.
func NewManager(s store.Store, registry *handlers.Registry, schemas *validation.SchemaValidator, engines *expressions.Engines, hub EventPublisher, logger *slog.Logger) *Manager {
	return &Manager{
		store:    s,
		registry: registry,
		schemas:  schemas,
		engines:  engines,
		hub:      hub,
		logger:   logger,
		loaded:   make(map[string]*Manifest),
	}
}

// Load validates a manifest, registers its handlers, and persists the
// extension record. Loading an origin that is already loaded is rejected;
// unload first to upgrade.
func (m *Manager) Load(ctx context.Context, raw json.RawMessage) (*Manifest, error) {
	if err := m.schemas.ValidateManifest(raw); err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.loaded[manifest.OriginID]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "extension %q is already loaded", manifest.OriginID)
	}

	for _, h := range manifest.Handlers {
		if err := m.registry.Register(h.registration(manifest.OriginID, m.engines)); err != nil {
			m.registry.UnregisterAll(manifest.OriginID)
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"register handler %q: %s", h.ID, err.Error()).WithCause(err)
		}
	}

	now := time.Now().UTC()
	rec := &store.ExtensionRecord{
		OriginID:  manifest.OriginID,
		Name:      manifest.Name,
		Version:   manifest.Version,
		Manifest:  raw,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.PutExtension(ctx, rec); err != nil {
		m.registry.UnregisterAll(manifest.OriginID)
		return nil, schema.NewErrorf(schema.ErrCodePersistence,
			"persist extension %q: %s", manifest.OriginID, err.Error()).WithCause(err)
	}

	m.loaded[manifest.OriginID] = manifest
	m.order = append(m.order, manifest.OriginID)

	m.publish(ctx, schema.EventExtensionLoaded, manifest.OriginID, map[string]any{
		"name":     manifest.Name,
		"version":  manifest.Version,
		"handlers": len(manifest.Handlers),
	})
	m.logger.Info("extension loaded", "origin_id", manifest.OriginID,
		"version", manifest.Version, "handlers", len(manifest.Handlers))
	return manifest, nil
}

// Unload removes an extension's handlers and deletes its record. Unloading
// an origin that is not loaded is a no-op.
func (m *Manager) Unload(ctx context.Context, originID string) error {
	m.mu.Lock()
	_, exists := m.loaded[originID]
	if exists {
		delete(m.loaded, originID)
		for i, id := range m.order {
			if id == originID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !exists {
		return nil
	}

	m.registry.UnregisterAll(originID)
	if err := m.store.DeleteExtension(ctx, originID); err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence,
			"delete extension %q: %s", originID, err.Error()).WithCause(err)
	}

	m.publish(ctx, schema.EventExtensionUnloaded, originID, nil)
	m.logger.Info("extension unloaded", "origin_id", originID)
	return nil
}

// LoadInstalled restores every enabled extension from the store. Manifests
// that fail to load are skipped and logged so one broken extension does not
// block startup.
func (m *Manager) LoadInstalled(ctx context.Context) error {
	recs, err := m.store.ListExtensions(ctx)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "list extensions: %s", err.Error()).WithCause(err)
	}
	for _, rec := range recs {
		if !rec.Enabled {
			continue
		}
		if _, err := m.Load(ctx, rec.Manifest); err != nil {
			m.logger.Error("restore extension", "origin_id", rec.OriginID, "error", err)
		}
	}
	return nil
}

// Origins returns the loaded extension origins in load order.
func (m *Manager) Origins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Loaded returns the manifest for a loaded origin.
func (m *Manager) Loaded(originID string) (*Manifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	manifest, ok := m.loaded[originID]
	return manifest, ok
}

func (m *Manager) publish(ctx context.Context, eventType, originID string, payload map[string]any) {
	if m.hub == nil {
		return
	}
	event := streaming.StreamEvent{
		EventType: eventType,
		Payload:   payload,
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	event.Payload["origin_id"] = originID
	if err := m.hub.Publish(ctx, event); err != nil {
		m.logger.Warn("publish extension event", "event_type", eventType, "origin_id", originID, "error", err)
	}
}

var _ handlers.OriginLister = (*Manager)(nil)
