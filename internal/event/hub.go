package event

import (
	"sync"

	"github.com/google/uuid"

	"remedia/internal/logging"
)

// Hub fans emissions out to subscribers. Delivery is fire-and-forget with
// at-most-current semantics: a saturated subscriber loses the oldest envelope,
// never the newest, and the registry remains the source of truth for terminal
// state. There is no acknowledgement or backpressure protocol.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan Envelope
	latest map[string]DownloadProgress
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]chan Envelope),
		latest: make(map[string]DownloadProgress),
	}
}

// Subscribe registers a subscriber and returns its channel plus an
// unsubscribe function that must be called to avoid leaks. The current
// progress snapshot of every active URL is replayed into the new channel so a
// late client is not blind until the next update.
func (h *Hub) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	ch := make(chan Envelope, buffer)

	h.mu.Lock()
	h.subs[id] = ch
	for i := range h.latest {
		p := h.latest[i]
		select {
		case ch <- Envelope{Kind: EmissionYtdlpDownloadUpdate, URL: p.URL, Progress: &p}:
		default:
		}
	}
	h.mu.Unlock()
	logging.LogSubscriber(id, "added")

	unsubscribe := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
		}
		h.mu.Unlock()
		logging.LogSubscriber(id, "removed")
	}
	return ch, unsubscribe
}

// PublishProgress records the latest snapshot for the URL and pushes a
// YtdlpDownloadUpdate to every subscriber.
func (h *Hub) PublishProgress(p DownloadProgress) {
	h.mu.Lock()
	h.latest[p.URL] = p
	h.mu.Unlock()
	h.publish(Envelope{Kind: EmissionYtdlpDownloadUpdate, URL: p.URL, Progress: &p})
}

// PublishURLSuccess announces a URL reached completed and drops its retained
// progress snapshot.
func (h *Hub) PublishURLSuccess(url string) {
	h.ClearProgress(url)
	h.publish(Envelope{Kind: EmissionYtdlpUrlSuccess, URL: url})
}

// PublishURLUpdate reports an availability-check outcome for a URL.
func (h *Hub) PublishURLUpdate(url string, available bool) {
	h.publish(Envelope{Kind: EmissionYtdlpUrlUpdate, URL: url, Available: &available})
}

// PublishInstall announces tool installer lifecycle activity.
func (h *Hub) PublishInstall(kind Emission) {
	h.publish(Envelope{Kind: kind})
}

// ClearProgress forgets the retained snapshot for a URL. Called when the URL
// leaves the downloading state for any reason.
func (h *Hub) ClearProgress(url string) {
	h.mu.Lock()
	delete(h.latest, url)
	h.mu.Unlock()
}

// Latest returns the retained snapshot for a URL, if any.
func (h *Hub) Latest(url string) (DownloadProgress, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.latest[url]
	return p, ok
}

func (h *Hub) publish(evt Envelope) {
	h.mu.RLock()
	targets := make([]chan Envelope, 0, len(h.subs))
	for _, ch := range h.subs {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	logging.LogEmission(string(evt.Kind), evt.URL)
	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// Channel is saturated; drop the oldest envelope so the newest
			// state still lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}
