// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon updates. Each instance carries
// its own registry so tests never collide on global registration.
type Metrics struct {
	registry *prometheus.Registry

	CommandsTotal      *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	CancellationsTotal *prometheus.CounterVec
	ResourcesActive    prometheus.Gauge
	ClientsAttached    prometheus.Gauge
	RulesInstalled     prometheus.Counter
	RulesRemoved       prometheus.Counter
	RuleDeleteFailures prometheus.Counter
	PacketsTotal       *prometheus.CounterVec
	InvokeFailures     *prometheus.CounterVec
	NFTRulePackets     *prometheus.GaugeVec
	NFTRuleBytes       *prometheus.GaugeVec
}

// New builds and registers the daemon collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flyhook_commands_total",
			Help: "Total commands dispatched, by command name and outcome.",
		},
		[]string{"command", "outcome"},
	)

	m.CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flyhook_command_duration_seconds",
			Help:    "Time from dispatch to completion, by command name.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	m.CancellationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flyhook_cancellations_total",
			Help: "Cancel requests, by result (accepted, lost_race, not_found).",
		},
		[]string{"result"},
	)

	m.ResourcesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flyhook_resources_active",
		Help: "Hook-attachment resources currently alive.",
	})

	m.ClientsAttached = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flyhook_clients_attached",
		Help: "Client programs currently attached across all resources.",
	})

	m.RulesInstalled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flyhook_rules_installed_total",
		Help: "Filter rules successfully installed.",
	})

	m.RulesRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flyhook_rules_removed_total",
		Help: "Filter rules successfully removed.",
	})

	m.RuleDeleteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flyhook_rule_delete_failures_total",
		Help: "Rule deletions that completed with an error.",
	})

	m.PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flyhook_packets_total",
			Help: "Packets seen on hook points, by hook name and verdict.",
		},
		[]string{"hook", "verdict"},
	)

	m.InvokeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flyhook_invoke_failures_total",
			Help: "Client invocations that returned an error, by hook name.",
		},
		[]string{"hook"},
	)

	// Gauges rather than counters: the kernel-side values restart from
	// zero whenever a rule is reinstalled.
	m.NFTRulePackets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flyhook_nft_rule_packets",
			Help: "Packets matched per installed nftables rule.",
		},
		[]string{"chain", "rule"},
	)

	m.NFTRuleBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flyhook_nft_rule_bytes",
			Help: "Bytes matched per installed nftables rule.",
		},
		[]string{"chain", "rule"},
	)

	m.registry.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.CancellationsTotal,
		m.ResourcesActive,
		m.ClientsAttached,
		m.RulesInstalled,
		m.RulesRemoved,
		m.RuleDeleteFailures,
		m.PacketsTotal,
		m.InvokeFailures,
		m.NFTRulePackets,
		m.NFTRuleBytes,
	)
	return m
}

// RegisterCleanupGauges exposes the cleanup coordinator's depth. The pending
// function is read at scrape time.
func (m *Metrics) RegisterCleanupGauges(pending func() (resources, providers int)) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flyhook_cleanup_pending_resources",
			Help: "Resources awaiting async-deletion confirmation.",
		}, func() float64 {
			r, _ := pending()
			return float64(r)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flyhook_cleanup_pending_providers",
			Help: "Providers awaiting rundown completion.",
		}, func() float64 {
			_, p := pending()
			return float64(p)
		}),
	)
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
