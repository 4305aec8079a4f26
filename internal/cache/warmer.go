package cache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// HotQuery is one entry of the hot-query catalog: a class plus the logical
// keys worth pre-populating for a tenant.
type HotQuery struct {
	Class Class    `yaml:"class"`
	Keys  []string `yaml:"keys"`
}

// defaultHotCatalog covers the reference and live classes every tenant
// touches on login. Keys are request paths so warmed entries are the
// same entries later lookups hit.
var defaultHotCatalog = []HotQuery{
	{Class: ClassInstruments, Keys: []string{"/api/v1/instruments"}},
	{Class: ClassProducts, Keys: []string{"/api/v1/products"}},
	{Class: ClassCurves, Keys: []string{
		"/api/v1/curves?curve=power-base",
		"/api/v1/curves?curve=power-peak",
		"/api/v1/curves?curve=gas-ttf",
	}},
	{Class: ClassServedLatestPrice, Keys: []string{
		"/api/v1/served/latest-price/BRN",
		"/api/v1/served/latest-price/WTI",
		"/api/v1/served/latest-price/TTF",
	}},
}

// WarmSummary reports the outcome of one warming pass.
type WarmSummary struct {
	Warmed   int            `json:"warmed"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Duration time.Duration  `json:"duration_ms"`
	Errors   map[string]int `json:"errors,omitempty"`
}

// Warmer pre-populates hot cache entries with bounded parallelism.
type Warmer struct {
	cache       *Cache
	catalog     []HotQuery
	concurrency int
}

// NewWarmer builds a warmer. When catalogPath names a readable YAML file
// its entries replace the built-in hot catalog.
func NewWarmer(cache *Cache, catalogPath string, concurrency int) (*Warmer, error) {
	if concurrency <= 0 {
		concurrency = 5
	}
	catalog := defaultHotCatalog
	if catalogPath != "" {
		loaded, err := loadHotCatalog(catalogPath)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}
	return &Warmer{cache: cache, catalog: catalog, concurrency: concurrency}, nil
}

func loadHotCatalog(path string) ([]HotQuery, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hot catalog: %w", err)
	}
	var doc struct {
		Queries []HotQuery `yaml:"queries"`
	}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse hot catalog: %w", err)
	}
	if len(doc.Queries) == 0 {
		return nil, fmt.Errorf("hot catalog %s declares no queries", path)
	}
	return doc.Queries, nil
}

// Warm iterates the hot-query catalog and pre-populates entries via the
// registered loaders. Classes without a loader are skipped; loader
// failures are counted but never cached.
func (w *Warmer) Warm(ctx context.Context, subject, tenant string) WarmSummary {
	start := time.Now()
	summary := WarmSummary{Errors: map[string]int{}}

	type job struct {
		class Class
		key   string
	}
	var jobs []job
	for _, q := range w.catalog {
		for _, k := range q.Keys {
			jobs = append(jobs, job{q.Class, k})
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, w.concurrency)

	for _, j := range jobs {
		loader, ok := w.cache.loaders[j.class]
		if !ok {
			summary.Skipped++
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(j job) {
			defer wg.Done()
			defer func() { <-sem }()

			value, err := loader(ctx, tenant, j.key)
			if err != nil {
				mu.Lock()
				summary.Failed++
				summary.Errors[string(j.class)]++
				mu.Unlock()
				return
			}
			if err := w.cache.Set(ctx, j.class, tenant, subject, j.key, value); err != nil {
				mu.Lock()
				summary.Failed++
				summary.Errors[string(j.class)]++
				mu.Unlock()
				return
			}
			mu.Lock()
			summary.Warmed++
			mu.Unlock()
		}(j)
	}

	wg.Wait()
	summary.Duration = time.Since(start)
	return summary
}
