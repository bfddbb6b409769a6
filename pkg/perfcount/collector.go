package perfcount

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a counter block to Prometheus. Each ordinal becomes
// one counter metric labeled with the snake_case form of its stable name.
type Collector struct {
	block *Block
	desc  *prometheus.Desc
}

// NewCollector creates a Prometheus collector over block
func NewCollector(block *Block) *Collector {
	return &Collector{
		block: block,
		desc: prometheus.NewDesc(
			"canopy_perf_counter_total",
			"Process-wide performance counters",
			[]string{"counter"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.block.Snapshot()
	for i, v := range snap {
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.CounterValue,
			float64(v),
			snakeCase(CounterName(i)),
		)
	}
}

// Register attaches a collector for the default block to reg
func Register(reg prometheus.Registerer) error {
	return reg.Register(NewCollector(Default()))
}

// snakeCase converts a CamelCase counter name to its metric label form
func snakeCase(name string) string {
	var sb strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && name[i-1] >= 'a' && name[i-1] <= 'z' {
				sb.WriteByte('_')
			}
			sb.WriteRune(r - 'A' + 'a')
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
