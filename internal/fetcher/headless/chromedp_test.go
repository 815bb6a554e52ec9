package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	r, err := NewChromedp(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.Equal(t, 2, cap(r.limiter))
	require.Equal(t, DefaultNavigationTimeout, r.cfg.NavigationTimeout)
	require.Equal(t, int64(DefaultMaxBodyBytes), r.cfg.MaxBodyBytes)
	require.Equal(t, DefaultMaxExchanges, r.cfg.MaxExchanges)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	r := &Renderer{limiter: make(chan struct{}, 1)}
	require.NoError(t, r.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.acquire(ctx), context.DeadlineExceeded)

	r.release()
	require.NoError(t, r.acquire(context.Background()))
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	require.Len(t, src["X-Test"], 2)

	netHeaders := toNetworkHeaders(src)
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example.com/frame"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 404, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestExchangeRecorder(t *testing.T) {
	t.Parallel()

	rec := newExchangeRecorder(10)
	rec.now = func() time.Time { return time.UnixMilli(1700000000000) }

	events := []any{
		&network.EventRequestWillBeSent{RequestID: "1", Type: network.ResourceTypeXHR,
			Request: &network.Request{URL: "https://api.example.com/models", Method: "GET"}},
		&network.EventRequestWillBeSent{RequestID: "2", Type: network.ResourceTypeImage,
			Request: &network.Request{URL: "https://cdn.example.com/a.jpg", Method: "GET"}},
		&network.EventRequestWillBeSent{RequestID: "3", Type: network.ResourceTypeScript,
			Request: &network.Request{URL: "https://cdn.example.com/app.js", Method: "GET"}},
		&network.EventRequestWillBeSent{RequestID: "4", Type: network.ResourceTypeFetch,
			Request: &network.Request{URL: "https://api.example.com/huge", Method: "POST"}},
		&network.EventRequestWillBeSent{RequestID: "5", Type: network.ResourceTypeFetch,
			Request: &network.Request{URL: "https://api.example.com/pending", Method: "GET"}},
		&network.EventResponseReceived{RequestID: "1", Type: network.ResourceTypeXHR,
			Response: &network.Response{URL: "https://api.example.com/models", Status: 200, MimeType: "application/json"}},
		&network.EventResponseReceived{RequestID: "3", Type: network.ResourceTypeScript,
			Response: &network.Response{URL: "https://cdn.example.com/app.js", Status: 200, MimeType: "application/javascript"}},
		&network.EventResponseReceived{RequestID: "4", Type: network.ResourceTypeFetch,
			Response: &network.Response{URL: "https://api.example.com/huge", Status: 200, MimeType: "application/json"}},
		&network.EventLoadingFinished{RequestID: "1", EncodedDataLength: 120},
		&network.EventLoadingFinished{RequestID: "3", EncodedDataLength: 5000},
		&network.EventLoadingFinished{RequestID: "4", EncodedDataLength: 9000},
	}
	for _, ev := range events {
		rec.captureEvent(ev)
	}

	require.Equal(t, []network.RequestID{"1"}, rec.pending(1000))

	out := rec.exchanges(map[network.RequestID]string{"1": `{"models":[]}`})
	require.Len(t, out, 3, "image skipped and unanswered request dropped")

	models := out[0]
	require.Equal(t, "https://api.example.com/models", models.URL)
	require.Equal(t, "GET", models.Method)
	require.Equal(t, 200, models.StatusCode)
	require.Equal(t, "application/json", models.ContentType)
	require.Equal(t, int64(120), models.BodySizeBytes)
	require.Equal(t, int64(1700000000000), models.CapturedAtMillis)
	require.NotNil(t, models.BodyText)
	require.Equal(t, `{"models":[]}`, *models.BodyText)

	require.Nil(t, out[1].BodyText, "scripts are not read back")
	require.Equal(t, "POST", out[2].Method)
	require.Nil(t, out[2].BodyText, "bodies above the cap are not read back")
}

func TestExchangeRecorderCap(t *testing.T) {
	t.Parallel()

	rec := newExchangeRecorder(1)
	rec.captureEvent(&network.EventRequestWillBeSent{RequestID: "1", Request: &network.Request{URL: "https://a", Method: "GET"}})
	rec.captureEvent(&network.EventRequestWillBeSent{RequestID: "2", Request: &network.Request{URL: "https://b", Method: "GET"}})
	require.Len(t, rec.order, 1)
}

func TestNoopRenderer(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Render(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, crawler.ErrRender)
}
