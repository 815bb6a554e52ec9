package headless

import (
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// skippedTypes never carry data payloads worth classifying.
var skippedTypes = map[network.ResourceType]struct{}{
	network.ResourceTypeImage:      {},
	network.ResourceTypeMedia:      {},
	network.ResourceTypeFont:       {},
	network.ResourceTypeStylesheet: {},
	network.ResourceTypeManifest:   {},
	network.ResourceTypePing:       {},
}

type pendingExchange struct {
	exchange crawler.NetworkExchange
	finished bool
}

// exchangeRecorder assembles NetworkExchanges from CDP network events in
// request order.
type exchangeRecorder struct {
	mu    sync.Mutex
	limit int
	order []network.RequestID
	byID  map[network.RequestID]*pendingExchange
	now   func() time.Time
}

func newExchangeRecorder(limit int) *exchangeRecorder {
	return &exchangeRecorder{
		limit: limit,
		byID:  make(map[network.RequestID]*pendingExchange),
		now:   time.Now,
	}
}

func (r *exchangeRecorder) captureEvent(ev any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		if _, skip := skippedTypes[e.Type]; skip {
			return
		}
		if p, ok := r.byID[e.RequestID]; ok {
			// Redirect: the same request ID now points at the new location.
			p.exchange.URL = e.Request.URL
			return
		}
		if len(r.order) >= r.limit {
			return
		}
		r.order = append(r.order, e.RequestID)
		r.byID[e.RequestID] = &pendingExchange{exchange: crawler.NetworkExchange{
			URL:    e.Request.URL,
			Method: e.Request.Method,
		}}
	case *network.EventResponseReceived:
		p, ok := r.byID[e.RequestID]
		if !ok || e.Response == nil {
			return
		}
		p.exchange.URL = e.Response.URL
		p.exchange.StatusCode = int(e.Response.Status)
		p.exchange.ContentType = e.Response.MimeType
		p.exchange.CapturedAtMillis = r.now().UnixMilli()
	case *network.EventLoadingFinished:
		if p, ok := r.byID[e.RequestID]; ok {
			p.exchange.BodySizeBytes = int64(e.EncodedDataLength)
			p.finished = true
		}
	case *network.EventLoadingFailed:
		if p, ok := r.byID[e.RequestID]; ok {
			p.finished = false
		}
	}
}

// pending lists finished textual exchanges whose bodies are worth reading.
func (r *exchangeRecorder) pending(maxBody int64) []network.RequestID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []network.RequestID
	for _, id := range r.order {
		p := r.byID[id]
		if !p.finished || p.exchange.StatusCode == 0 {
			continue
		}
		if maxBody > 0 && p.exchange.BodySizeBytes > maxBody {
			continue
		}
		if textual(p.exchange.ContentType) {
			ids = append(ids, id)
		}
	}
	return ids
}

// exchanges returns the captured exchanges with bodies attached. Exchanges
// without a response are dropped.
func (r *exchangeRecorder) exchanges(bodies map[network.RequestID]string) []crawler.NetworkExchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]crawler.NetworkExchange, 0, len(r.order))
	for _, id := range r.order {
		p := r.byID[id]
		if p.exchange.StatusCode == 0 {
			continue
		}
		ex := p.exchange
		if body, ok := bodies[id]; ok {
			b := body
			ex.BodyText = &b
			if ex.BodySizeBytes == 0 {
				ex.BodySizeBytes = int64(len(body))
			}
		}
		out = append(out, ex)
	}
	return out
}

func textual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") || strings.HasPrefix(ct, "text/")
}
