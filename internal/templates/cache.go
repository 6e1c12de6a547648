package templates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/ghostpool/internal/metrics"
	"github.com/bardlex/ghostpool/pkg/log"
)

type entry struct {
	block   Block
	pow     PoW
	jobID   string
	created time.Time
}

// Cache is the bounded FIFO window of templates. Registration is expected
// from one goroutine at a time (Run); lookups may come from any session.
type Cache struct {
	node          Node
	payoutAddress string
	identity      string
	window        int
	logger        *log.Logger

	mu        sync.RWMutex
	templates map[string]*entry
	order     []string
	jobs      *jobs
}

// NewCache creates a cache holding at most window templates
func NewCache(node Node, payoutAddress, identity string, window int, logger *log.Logger) *Cache {
	if window < 1 {
		window = 1
	}
	return &Cache{
		node:          node,
		payoutAddress: payoutAddress,
		identity:      identity,
		window:        window,
		logger:        logger.WithComponent("templates"),
		templates:     make(map[string]*entry),
		jobs:          newJobs(),
	}
}

// Register stores a template and assigns it a job id. It returns false when
// the pre-PoW hash is already cached. Exceeding the window evicts the oldest
// template together with its job id.
func (c *Cache) Register(tpl *Template) (Job, bool) {
	hash := tpl.PoW.PrePoWHash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.templates[hash]; exists {
		return Job{}, false
	}

	id := c.jobs.deriveID(hash)
	c.templates[hash] = &entry{
		block:   tpl.Block,
		pow:     tpl.PoW,
		jobID:   id,
		created: time.Now(),
	}
	c.order = append(c.order, hash)

	if len(c.order) > c.window {
		oldest := c.order[0]
		c.order[0] = ""
		c.order = c.order[1:]
		delete(c.templates, oldest)
		c.jobs.expireNext()
	}

	metrics.TemplatesCached.Set(float64(len(c.templates)))

	return Job{ID: id, Hash: hash, Timestamp: tpl.PoW.Timestamp()}, true
}

// ResolveJob maps a job id to its template hash
func (c *Cache) ResolveJob(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jobs.getHash(id)
}

// ResolvePoW maps a template hash to its proof-of-work state
func (c *Cache) ResolvePoW(hash string) (PoW, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.templates[hash]
	if !ok {
		return nil, false
	}
	return e.pow, true
}

// SubmitBlock applies the nonce to the cached block, submits it and returns
// the finalized block hash.
func (c *Cache) SubmitBlock(ctx context.Context, hash string, nonce uint64) (string, error) {
	c.mu.RLock()
	e, ok := c.templates[hash]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("submit %s: %w", hash, ErrJobNotFound)
	}

	block := e.block.WithNonce(nonce)
	if err := c.node.SubmitBlock(ctx, block); err != nil {
		metrics.BlockSubmissions.WithLabelValues("rejected").Inc()
		return "", err
	}
	metrics.BlockSubmissions.WithLabelValues("accepted").Inc()

	return block.Hash(), nil
}

// Len returns the number of cached templates
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}

// Refresh fetches the latest template from the node and registers it
func (c *Cache) Refresh(ctx context.Context) (Job, bool, error) {
	tpl, err := c.node.GetLatestTemplate(ctx, c.payoutAddress, c.identity)
	if err != nil {
		return Job{}, false, err
	}
	job, added := c.Register(tpl)
	return job, added, nil
}

// Run refreshes the window on every trigger and hands new jobs to announce.
// Triggers are processed one at a time, which keeps registration single
// writer. It returns when ctx is done or triggers is closed.
func (c *Cache) Run(ctx context.Context, triggers <-chan struct{}, announce func(Job)) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-triggers:
			if !ok {
				return
			}
			job, added, err := c.Refresh(ctx)
			if err != nil {
				c.logger.WithError(err).Warn("failed to refresh block template")
				continue
			}
			if !added {
				continue
			}
			c.logger.WithJob(job.ID, job.Hash).Debug("template registered", "cached", c.Len())
			announce(job)
		}
	}
}
