package metrics

import (
	"context"
	"time"

	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// Collector periodically samples gauge metrics from the registry and
// the job store.
type Collector struct {
	registry *registry.Registry
	store    storage.JobStore
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector
func NewCollector(reg *registry.Registry, store storage.JobStore) *Collector {
	return &Collector{
		registry: reg,
		store:    store,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectAgentMetrics()
	c.collectJobMetrics()
}

func (c *Collector) collectAgentMetrics() {
	counts := make(map[types.AgentStatus]int)
	for _, agent := range c.registry.All() {
		counts[agent.Status]++
	}

	AgentsTotal.Reset()
	for status, n := range counts {
		AgentsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectJobMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all, err := c.store.ListJobs(ctx, storage.JobFilter{})
	if err != nil {
		return
	}

	counts := make(map[types.JobStatus]int)
	for _, job := range all {
		counts[job.Status]++
	}

	JobsTotal.Reset()
	for status, n := range counts {
		JobsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
