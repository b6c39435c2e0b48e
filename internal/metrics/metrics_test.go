// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauges(t *testing.T) {
	m := New()

	m.CommandsTotal.WithLabelValues("ATTACH", "ok").Inc()
	m.CommandsTotal.WithLabelValues("ATTACH", "ok").Inc()
	m.CommandsTotal.WithLabelValues("ATTACH", "access_denied").Inc()
	m.ResourcesActive.Set(3)
	m.RulesInstalled.Add(5)

	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("ATTACH", "ok")); got != 2 {
		t.Errorf("commands ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ResourcesActive); got != 3 {
		t.Errorf("resources active = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RulesInstalled); got != 5 {
		t.Errorf("rules installed = %v, want 5", got)
	}
}

func TestCleanupGaugesReadAtScrape(t *testing.T) {
	m := New()

	resources, providers := 2, 1
	m.RegisterCleanupGauges(func() (int, int) { return resources, providers })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "flyhook_cleanup_pending_resources 2") {
		t.Errorf("missing resources gauge in scrape:\n%s", body)
	}
	if !strings.Contains(body, "flyhook_cleanup_pending_providers 1") {
		t.Errorf("missing providers gauge in scrape:\n%s", body)
	}

	// The function is consulted on every scrape, not cached.
	resources = 0
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "flyhook_cleanup_pending_resources 0") {
		t.Error("gauge did not track the source function")
	}
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not panic on duplicate registration.
	_ = New()
	_ = New()
}
