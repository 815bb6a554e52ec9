package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if pagesCheckedTotal == nil || fetchBytesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservePageCheck(t *testing.T) {
	ObservePageCheck("init-test", "changed", 2048)
	ObservePageCheck("init-test", "changed", 0)

	if val := testutil.ToFloat64(pagesCheckedTotal.WithLabelValues("init-test", "changed")); val != 2 {
		t.Errorf("Expected pagesCheckedTotal to be 2, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("init-test")); val != 2048 {
		t.Errorf("Expected fetchBytesTotal to be 2048, got %f", val)
	}
}

func TestObserveBudgetAndChanges(t *testing.T) {
	ObserveBudgetDenial("budget-test", "site_cap")
	ObserveChangeEvent("budget-test", "price_changed", "high")
	ObserveClassificationErrors(0)
	ObserveClassificationErrors(3)

	if val := testutil.ToFloat64(renderBudgetDenialsTotal.WithLabelValues("budget-test", "site_cap")); val != 1 {
		t.Errorf("Expected one budget denial, got %f", val)
	}
	if val := testutil.ToFloat64(changeEventsTotal.WithLabelValues("budget-test", "price_changed", "high")); val != 1 {
		t.Errorf("Expected one change event, got %f", val)
	}
	if val := testutil.ToFloat64(classificationErrorsTotal); val < 3 {
		t.Errorf("Expected at least 3 classification errors, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
