package store

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// memCollector is an in-process metrics.Collector: the example pack carries
// no concrete metrics backend (no prometheus client, no statsd), so this
// keeps every counter/gauge/histogram sample in memory, queryable through
// Property("stats") without requiring an external sink. See DESIGN.md.
type memCollector struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram
}

type histogram struct {
	count int64
	sum   float64
}

func newCollector() *memCollector {
	return &memCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
	}
}

func (c *memCollector) IncCounter(name string, labels map[string]string, delta float64) {
	key := metricKey(name, labels)
	c.mu.Lock()
	c.counters[key] += delta
	c.mu.Unlock()
}

func (c *memCollector) SetGauge(name string, labels map[string]string, value float64) {
	key := metricKey(name, labels)
	c.mu.Lock()
	c.gauges[key] = value
	c.mu.Unlock()
}

func (c *memCollector) ObserveHistogram(name string, labels map[string]string, value float64) {
	key := metricKey(name, labels)
	c.mu.Lock()
	h, ok := c.histograms[key]
	if !ok {
		h = &histogram{}
		c.histograms[key] = h
	}
	h.count++
	h.sum += value
	c.mu.Unlock()
}

func (c *memCollector) dump() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	for _, k := range sortedKeys(c.counters) {
		b.WriteString("counter ")
		b.WriteString(k)
		b.WriteString(" ")
		writeFloat(&b, c.counters[k])
		b.WriteString("\n")
	}
	for _, k := range sortedKeys(c.gauges) {
		b.WriteString("gauge ")
		b.WriteString(k)
		b.WriteString(" ")
		writeFloat(&b, c.gauges[k])
		b.WriteString("\n")
	}
	keys := make([]string, 0, len(c.histograms))
	for k := range c.histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h := c.histograms[k]
		b.WriteString("histogram ")
		b.WriteString(k)
		b.WriteString(" count=")
		writeFloat(&b, float64(h.count))
		b.WriteString(" sum=")
		writeFloat(&b, h.sum)
		b.WriteString("\n")
	}
	return b.String()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func writeFloat(b *strings.Builder, v float64) {
	b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
}
