package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiterWaitSpacesRequestsPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://www.vw.example.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://www.vw.example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://www.audi.example.com/"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "other hosts have their own bucket")
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example.com"))
}

func TestLimiterUnlimitedAndOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: map[string]float64{"www.vw.example.com": 2}})
	require.Equal(t, rate.Inf, l.Limit("https://other.example.com"))
	require.Equal(t, rate.Limit(2), l.Limit("https://WWW.VW.EXAMPLE.COM/models"))

	l.ReportResult("https://other.example.com", http.StatusTooManyRequests)
	require.Equal(t, rate.Inf, l.Limit("https://other.example.com"))
}

func TestLimiterReportResultBacksOff(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, MinRPS: 0.2})
	u := "https://www.vw.example.com/"

	l.ReportResult(u, http.StatusTooManyRequests)
	require.Equal(t, rate.Limit(0.5), l.Limit(u))
	l.ReportResult(u, http.StatusServiceUnavailable)
	require.Equal(t, rate.Limit(0.25), l.Limit(u))
	l.ReportResult(u, http.StatusTooManyRequests)
	require.Equal(t, rate.Limit(0.2), l.Limit(u), "floored at MinRPS")

	l.ReportResult(u, http.StatusOK)
	require.Equal(t, rate.Limit(1), l.Limit(u))
}
