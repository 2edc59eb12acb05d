// internal/monitoring/cache.go
package monitoring

import (
	"sort"
	"sync"

	"sitewatch/internal/database"
)

// StatusCache is the in-memory read model of sites and monitors. It only
// ever holds committed state and hands out copies.
type StatusCache struct {
	mu       sync.RWMutex
	sites    map[string]*database.Site
	monitors map[string]*database.Monitor
}

func NewStatusCache() *StatusCache {
	return &StatusCache{
		sites:    make(map[string]*database.Site),
		monitors: make(map[string]*database.Monitor),
	}
}

// Load replaces the cache contents with sites as read from the store.
func (c *StatusCache) Load(sites []database.Site) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sites = make(map[string]*database.Site, len(sites))
	c.monitors = make(map[string]*database.Monitor)
	for i := range sites {
		c.putSiteLocked(&sites[i])
	}
}

func (c *StatusCache) putSiteLocked(site *database.Site) {
	stored := *site
	stored.Monitors = nil
	c.sites[site.ID] = &stored
	for i := range site.Monitors {
		c.monitors[site.Monitors[i].ID] = site.Monitors[i].Clone()
	}
}

// PutSite stores the site row and any monitors it carries.
func (c *StatusCache) PutSite(site *database.Site) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putSiteLocked(site)
}

func (c *StatusCache) PutMonitor(m *database.Monitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitors[m.ID] = m.Clone()
}

func (c *StatusCache) DeleteMonitor(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.monitors, id)
}

func (c *StatusCache) DeleteSite(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sites, id)
	for mid, m := range c.monitors {
		if m.SiteID == id {
			delete(c.monitors, mid)
		}
	}
}

func (c *StatusCache) Monitor(id string) (*database.Monitor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.monitors[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Site returns the site with its monitors in position order.
func (c *StatusCache) Site(id string) (*database.Site, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sites[id]
	if !ok {
		return nil, false
	}
	return c.assembleLocked(s), true
}

func (c *StatusCache) Sites() []database.Site {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sites := make([]database.Site, 0, len(c.sites))
	for _, s := range c.sites {
		sites = append(sites, *c.assembleLocked(s))
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	return sites
}

func (c *StatusCache) assembleLocked(s *database.Site) *database.Site {
	site := *s
	site.Monitors = []database.Monitor{}
	for _, m := range c.monitors {
		if m.SiteID == s.ID {
			site.Monitors = append(site.Monitors, *m.Clone())
		}
	}
	sort.Slice(site.Monitors, func(i, j int) bool {
		if site.Monitors[i].Position != site.Monitors[j].Position {
			return site.Monitors[i].Position < site.Monitors[j].Position
		}
		return site.Monitors[i].ID < site.Monitors[j].ID
	})
	return &site
}

// Monitors returns every cached monitor ordered by site then position.
func (c *StatusCache) Monitors() []database.Monitor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]database.Monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		out = append(out, *m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SiteID != out[j].SiteID {
			return out[i].SiteID < out[j].SiteID
		}
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *StatusCache) MonitorIDs(siteID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, m := range c.monitors {
		if m.SiteID == siteID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
