package params

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
)

const (
	cacheTTL        = 5 * time.Minute
	cleanupInterval = 10 * time.Minute
	refreshInterval = 60 * time.Second
)

// Cache is the short-TTL parameter-metadata cache shared by the parameter
// writer and the continuous logger. Entries expire after 5 minutes; a
// background refresher reloads everything each minute, so expiry only bites
// when the datastore has been unreachable for a while. It also implements
// plc.Metadata for the drivers.
type Cache struct {
	source Source
	logger zerolog.Logger
	items  *gocache.Cache

	mu             sync.RWMutex
	readGroups     []plc.ReadGroup
	setpointGroups []plc.ReadGroup
	lastRefresh    time.Time
}

func NewCache(source Source, logger zerolog.Logger) *Cache {
	return &Cache{
		source: source,
		logger: logger.With().Str("component", "paramcache").Logger(),
		items:  gocache.New(cacheTTL, cleanupInterval),
	}
}

// Start runs the background refresher until ctx is cancelled. Call Refresh
// once beforehand to warm the cache synchronously.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					c.logger.Warn().Err(err).Msg("background refresh failed")
				}
			}
		}
	}()
}

// Refresh bulk-loads every parameter row and rebuilds the derived bus
// groupings. Existing entries are kept when the load fails.
func (c *Cache) Refresh(ctx context.Context) error {
	list, err := c.source.List(ctx)
	if err != nil {
		return fmt.Errorf("refresh parameter cache: %w", err)
	}

	for _, p := range list {
		c.items.Set(p.ID, p, gocache.DefaultExpiration)
	}
	c.rebuildGroups()

	c.mu.Lock()
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	c.logger.Debug().Int("parameters", len(list)).Msg("parameter cache refreshed")
	return nil
}

// Get returns the cached row, falling back to a single-row load on miss.
func (c *Cache) Get(ctx context.Context, id string) (Parameter, error) {
	if v, ok := c.items.Get(id); ok {
		return v.(Parameter), nil
	}
	p, err := c.source.Get(ctx, id)
	if err != nil {
		return Parameter{}, err
	}
	c.items.Set(p.ID, p, gocache.DefaultExpiration)
	return p, nil
}

// Put overwrites the cached entry with a post-update row.
func (c *Cache) Put(p Parameter) {
	c.items.Set(p.ID, p, gocache.DefaultExpiration)
	c.rebuildGroups()
}

// UpdateSetValue persists the new setpoint and write-through-updates the
// cache with the returned row.
func (c *Cache) UpdateSetValue(ctx context.Context, id string, value float64) (Parameter, error) {
	p, err := c.source.UpdateSetValue(ctx, id, value)
	if err != nil {
		return Parameter{}, err
	}
	c.Put(p)
	return p, nil
}

// ByName resolves by name against the datastore. Name lookups come from
// operator commands and stay uncached; a stale hit there costs more than the
// round trip.
func (c *Cache) ByName(ctx context.Context, name string) ([]Parameter, error) {
	return c.source.ByName(ctx, name)
}

func (c *Cache) ByWriteAddress(ctx context.Context, addr uint16) (*Parameter, error) {
	return c.source.ByWriteAddress(ctx, addr)
}

// Spec implements plc.Metadata over the cached entries.
func (c *Cache) Spec(id string) (plc.Spec, bool) {
	v, ok := c.items.Get(id)
	if !ok {
		return plc.Spec{}, false
	}
	return v.(Parameter).Spec(), true
}

// Specs returns the cached entries as bus specs, ordered by (name, id).
func (c *Cache) Specs() []plc.Spec {
	snapshot := c.items.Items()
	specs := make([]plc.Spec, 0, len(snapshot))
	for _, item := range snapshot {
		specs = append(specs, item.Object.(Parameter).Spec())
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Name != specs[j].Name {
			return specs[i].Name < specs[j].Name
		}
		return specs[i].ID < specs[j].ID
	})
	return specs
}

func (c *Cache) rebuildGroups() {
	specs := c.Specs()
	read := plc.BuildReadGroups(specs)
	setp := plc.BuildSetpointGroups(specs)

	c.mu.Lock()
	c.readGroups = read
	c.setpointGroups = setp
	c.mu.Unlock()
}

// ReadGroups returns the bulk-read runs over read addresses.
func (c *Cache) ReadGroups() []plc.ReadGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readGroups
}

// SetpointGroups returns the bulk-read runs over write addresses.
func (c *Cache) SetpointGroups() []plc.ReadGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.setpointGroups
}

func (c *Cache) Count() int { return c.items.ItemCount() }

func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}
