package discovery

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"
)

// Catalog is an in-memory discovery catalog keyed by normalized resource
// URL. Safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	resources map[string]Resource
	now       func() time.Time
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		resources: make(map[string]Resource),
		now:       time.Now,
	}
}

// NormalizeResourceURL reduces a resource URL to origin plus path,
// dropping query and fragment so per-request URLs collapse into one
// catalog entry.
func NormalizeResourceURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid resource url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("resource url %q missing scheme or host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// Upsert records a resource, overwriting any previous entry for the same
// normalized URL and stamping lastUpdated.
func (c *Catalog) Upsert(resource Resource) error {
	normalized, err := NormalizeResourceURL(resource.Resource)
	if err != nil {
		return err
	}
	resource.Resource = normalized
	if resource.Type == "" {
		resource.Type = "http"
	}
	resource.LastUpdated = c.now().UTC().Format(time.RFC3339)

	c.mu.Lock()
	c.resources[normalized] = resource
	c.mu.Unlock()
	return nil
}

// List returns a page of resources ordered by lastUpdated descending,
// optionally filtered by type. Total counts the filtered set, not the page.
func (c *Catalog) List(limit, offset int, typeFilter string) ([]Resource, int) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	c.mu.RLock()
	all := make([]Resource, 0, len(c.resources))
	for _, r := range c.resources {
		if typeFilter != "" && r.Type != typeFilter {
			continue
		}
		all = append(all, r)
	}
	c.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].LastUpdated != all[j].LastUpdated {
			return all[i].LastUpdated > all[j].LastUpdated
		}
		return all[i].Resource < all[j].Resource
	})

	total := len(all)
	if offset >= total {
		return []Resource{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total
}

// Len returns the number of cataloged resources.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resources)
}
