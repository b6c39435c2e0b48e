// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"time"

	"grimm.is/flyhook/internal/logging"
)

// RuleCounter is one installed rule's kernel-side match counters.
type RuleCounter struct {
	Chain   string
	Rule    string
	Packets uint64
	Bytes   uint64
}

// Collector periodically reads the filter table's per-rule counters over
// netlink and publishes them as gauges. Only the nft backend installs
// counter expressions, so the daemon runs a Collector only when that
// backend is selected.
type Collector struct {
	met      *Metrics
	logger   *logging.Logger
	table    string
	interval time.Duration
	stopCh   chan struct{}

	// read is replaced in tests.
	read func(table string) ([]RuleCounter, error)
}

// NewCollector builds a collector for the named nftables table.
func NewCollector(met *Metrics, table string, interval time.Duration) *Collector {
	return &Collector{
		met:      met,
		logger:   logging.WithComponent("metrics"),
		table:    table,
		interval: interval,
		stopCh:   make(chan struct{}),
		read:     readRuleCounters,
	}
}

// Start runs the collection loop until Stop is called. Run it in its own
// goroutine.
func (c *Collector) Start() {
	c.logger.Info("Starting rule counter collector",
		"table", c.table, "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			c.logger.Info("Stopping rule counter collector")
			return
		}
	}
}

// Stop terminates the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counters, err := c.read(c.table)
	if err != nil {
		c.logger.Warn("Failed to read rule counters", "table", c.table, "error", err)
		return
	}
	c.publish(counters)
}

// publish resets both vectors before writing so series for deleted rules
// disappear instead of freezing at their last value. Rules sharing a name
// within a chain are summed.
func (c *Collector) publish(counters []RuleCounter) {
	type key struct{ chain, rule string }
	packets := make(map[key]uint64, len(counters))
	bytes := make(map[key]uint64, len(counters))
	for _, rc := range counters {
		k := key{rc.Chain, rc.Rule}
		packets[k] += rc.Packets
		bytes[k] += rc.Bytes
	}

	c.met.NFTRulePackets.Reset()
	c.met.NFTRuleBytes.Reset()
	for k, v := range packets {
		c.met.NFTRulePackets.WithLabelValues(k.chain, k.rule).Set(float64(v))
		c.met.NFTRuleBytes.WithLabelValues(k.chain, k.rule).Set(float64(bytes[k]))
	}
}
