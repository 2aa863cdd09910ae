package metrics

import (
	"sync"
	"time"

	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

const maxSamplesPerStage = 1000

// Stage names used with RecordLatency.
const (
	StageTotal = "total"
	StageCache = "cache"
	StageModel = "model"
)

type CacheHits struct {
	L1 int64 `json:"l1"`
	L2 int64 `json:"l2"`
}

type Snapshot struct {
	QueueLength       int64              `json:"queue_length"`
	CacheHitRate      float64            `json:"cache_hit_rate"`
	CacheHits         CacheHits          `json:"cache_hits"`
	CacheMisses       int64              `json:"cache_misses"`
	AvgLatencyMS      float64            `json:"avg_latency_ms"`
	LatenciesByStage  map[string]float64 `json:"latencies_by_stage"`
	TotalRequests     int64              `json:"total_requests"`
	UptimeSeconds     float64            `json:"uptime_seconds"`
	RequestsPerSecond float64            `json:"requests_per_second"`
	TaskFailures      int64              `json:"task_failures"`
	TasksInFlight     int64              `json:"tasks_in_flight"`
}

// Collector aggregates in-process request metrics. Every request records
// exactly one cache hit or miss, which is also what counts it as a request.
type Collector struct {
	mu           sync.Mutex
	start        time.Time
	latencies    map[string][]float64
	hits         CacheHits
	misses       int64
	requests     int64
	taskFailures int64
	now          func() time.Time
}

func NewCollector() *Collector {
	return &Collector{
		start:     time.Now(),
		latencies: make(map[string][]float64),
		now:       time.Now,
	}
}

func (c *Collector) RecordLatency(ms float64, stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	samples := append(c.latencies[stage], ms)
	if len(samples) > maxSamplesPerStage {
		samples = samples[len(samples)-maxSamplesPerStage:]
	}
	c.latencies[stage] = samples
}

func (c *Collector) RecordCacheHit(tier models.CacheTier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch tier {
	case models.CacheTierExact:
		c.hits.L1++
	case models.CacheTierSemantic:
		c.hits.L2++
	}
	c.requests++
}

func (c *Collector) RecordCacheMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
	c.requests++
}

func (c *Collector) RecordTaskFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskFailures++
}

// Snapshot aggregates the current counters. queueLength is supplied by the
// caller since the collector does not own the queue.
func (c *Collector) Snapshot(queueLength int64) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	byStage := make(map[string]float64, len(c.latencies))
	for stage, samples := range c.latencies {
		if len(samples) == 0 {
			byStage[stage] = 0
			continue
		}
		var sum float64
		for _, v := range samples {
			sum += v
		}
		byStage[stage] = sum / float64(len(samples))
	}

	hits := c.hits.L1 + c.hits.L2
	var hitRate float64
	if lookups := hits + c.misses; lookups > 0 {
		hitRate = float64(hits) / float64(lookups)
	}

	uptime := c.now().Sub(c.start).Seconds()
	var rps float64
	if uptime > 0 {
		rps = float64(c.requests) / uptime
	}

	return Snapshot{
		QueueLength:       queueLength,
		CacheHitRate:      hitRate,
		CacheHits:         c.hits,
		CacheMisses:       c.misses,
		AvgLatencyMS:      byStage[StageTotal],
		LatenciesByStage:  byStage,
		TotalRequests:     c.requests,
		UptimeSeconds:     uptime,
		RequestsPerSecond: rps,
		TaskFailures:      c.taskFailures,
	}
}
