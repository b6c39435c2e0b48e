// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorPublishesRuleCounters(t *testing.T) {
	m := New()
	c := NewCollector(m, "flyhook", time.Second)
	c.read = func(table string) ([]RuleCounter, error) {
		if table != "flyhook" {
			t.Fatalf("read called with table %q", table)
		}
		return []RuleCounter{
			{Chain: "hook_inbound", Rule: "block-telnet", Packets: 12, Bytes: 960},
			{Chain: "hook_inbound", Rule: "block-telnet", Packets: 3, Bytes: 180},
			{Chain: "hook_egress", Rule: "allow-dns", Packets: 40, Bytes: 4000},
		}, nil
	}

	c.collect()

	// Same-name rules within a chain are summed.
	if got := testutil.ToFloat64(m.NFTRulePackets.WithLabelValues("hook_inbound", "block-telnet")); got != 15 {
		t.Errorf("packets = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.NFTRuleBytes.WithLabelValues("hook_inbound", "block-telnet")); got != 1140 {
		t.Errorf("bytes = %v, want 1140", got)
	}
	if got := testutil.ToFloat64(m.NFTRulePackets.WithLabelValues("hook_egress", "allow-dns")); got != 40 {
		t.Errorf("packets = %v, want 40", got)
	}
}

func TestCollectorDropsDeletedRules(t *testing.T) {
	m := New()
	c := NewCollector(m, "flyhook", time.Second)

	c.read = func(string) ([]RuleCounter, error) {
		return []RuleCounter{
			{Chain: "hook_inbound", Rule: "a", Packets: 1},
			{Chain: "hook_inbound", Rule: "b", Packets: 2},
		}, nil
	}
	c.collect()
	if got := testutil.CollectAndCount(m.NFTRulePackets); got != 2 {
		t.Fatalf("series after first scrape = %d, want 2", got)
	}

	// Rule b is deleted; its series must vanish, not freeze.
	c.read = func(string) ([]RuleCounter, error) {
		return []RuleCounter{{Chain: "hook_inbound", Rule: "a", Packets: 5}}, nil
	}
	c.collect()
	if got := testutil.CollectAndCount(m.NFTRulePackets); got != 1 {
		t.Errorf("series after delete = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.NFTRulePackets.WithLabelValues("hook_inbound", "a")); got != 5 {
		t.Errorf("packets = %v, want 5", got)
	}
}

func TestCollectorKeepsValuesOnReadError(t *testing.T) {
	m := New()
	c := NewCollector(m, "flyhook", time.Second)

	c.read = func(string) ([]RuleCounter, error) {
		return []RuleCounter{{Chain: "hook_inbound", Rule: "a", Packets: 7}}, nil
	}
	c.collect()

	// A transient netlink failure must not wipe the published values.
	c.read = func(string) ([]RuleCounter, error) {
		return nil, errors.New("netlink receive: interrupted")
	}
	c.collect()

	if got := testutil.ToFloat64(m.NFTRulePackets.WithLabelValues("hook_inbound", "a")); got != 7 {
		t.Errorf("packets after failed scrape = %v, want 7", got)
	}
}

func TestCollectorStopEndsLoop(t *testing.T) {
	m := New()
	c := NewCollector(m, "flyhook", 10*time.Millisecond)
	c.read = func(string) ([]RuleCounter, error) { return nil, nil }

	done := make(chan struct{})
	go func() {
		c.Start()
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
