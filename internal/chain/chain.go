// Package chain turns discovered loops into settlement payloads for the
// chains tenants settle on. Adapters construct unsigned artifacts only;
// nothing here signs or broadcasts anything.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tradeweave/loopengine/internal/eventbus"
	"github.com/tradeweave/loopengine/internal/models"
)

// Payload is one built settlement artifact.
type Payload struct {
	Kind        string          `json:"kind"`
	Fingerprint string          `json:"fingerprint"`
	Data        json.RawMessage `json:"data"`
	BuiltAt     time.Time       `json:"built_at"`
}

// Adapter builds a chain-specific settlement payload from a cached loop.
type Adapter interface {
	Kind() string
	Build(cl models.CachedLoop) (Payload, error)
}

// DefaultPayloadCap bounds payloads retained per tenant.
const DefaultPayloadCap = 1024

// Materializer listens for discovered loops and pre-builds settlement
// payloads with the adapter configured for each tenant. Payloads live in
// memory and follow the cache: an invalidated loop loses its payload.
type Materializer struct {
	bus    *eventbus.Bus
	intake chan eventbus.Event
	cap    int

	mu       sync.Mutex
	adapters map[string]Adapter
	payloads map[string]*lru.Cache[string, Payload]
}

func NewMaterializer(bus *eventbus.Bus, payloadCap int) *Materializer {
	if payloadCap <= 0 {
		payloadCap = DefaultPayloadCap
	}
	m := &Materializer{
		bus:      bus,
		intake:   make(chan eventbus.Event, 1024),
		cap:      payloadCap,
		adapters: make(map[string]Adapter),
		payloads: make(map[string]*lru.Cache[string, Payload]),
	}
	bus.Subscribe(models.TopicLoopDiscovered, m.intake)
	bus.Subscribe(models.TopicLoopInvalidated, m.intake)
	return m
}

// SetAdapter configures which adapter builds payloads for a tenant. Nil
// removes the tenant; its loops stop materializing.
func (m *Materializer) SetAdapter(tenantID string, a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a == nil {
		delete(m.adapters, tenantID)
		delete(m.payloads, tenantID)
		return nil
	}
	if _, ok := m.payloads[tenantID]; !ok {
		c, err := lru.New[string, Payload](m.cap)
		if err != nil {
			return fmt.Errorf("payload cache for tenant %s: %w", tenantID, err)
		}
		m.payloads[tenantID] = c
	}
	m.adapters[tenantID] = a
	return nil
}

// Payload returns the pre-built artifact for a loop, when one exists.
func (m *Materializer) Payload(tenantID, fingerprint string) (Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.payloads[tenantID]
	if !ok {
		return Payload{}, false
	}
	return c.Get(fingerprint)
}

// Run consumes loop events until the context ends.
func (m *Materializer) Run(ctx context.Context) {
	log.Printf("[chain] Materializer started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("[chain] Materializer stopping: %v", ctx.Err())
			return
		case evt := <-m.intake:
			m.handle(evt)
		}
	}
}

func (m *Materializer) handle(evt eventbus.Event) {
	switch p := evt.Payload.(type) {
	case models.LoopDiscovered:
		m.build(evt.TenantID, p.Loop)
	case models.LoopInvalidated:
		m.drop(evt.TenantID, p.Fingerprint)
	}
}

func (m *Materializer) build(tenantID string, cl models.CachedLoop) {
	m.mu.Lock()
	a, ok := m.adapters[tenantID]
	c := m.payloads[tenantID]
	m.mu.Unlock()
	if !ok {
		return
	}
	p, err := a.Build(cl)
	if err != nil {
		log.Printf("[chain] tenant %s: build %s payload for %s: %v", tenantID, a.Kind(), cl.Fingerprint, err)
		return
	}
	m.mu.Lock()
	c.Add(cl.Fingerprint, p)
	m.mu.Unlock()
}

func (m *Materializer) drop(tenantID, fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.payloads[tenantID]; ok {
		c.Remove(fingerprint)
	}
}
