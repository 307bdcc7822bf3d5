package metrics

import (
	"strconv"
	"time"

	"chatrelay/internal/bus"
)

var sendLatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Relay holds the metrics chatrelay exports. A nil *Relay records nothing.
type Relay struct {
	c *Collector
}

func NewRelay(c *Collector) *Relay {
	return &Relay{c: c}
}

func (r *Relay) Collector() *Collector { return r.c }

func (r *Relay) WebhookRequest(platform string, status int) {
	if r == nil {
		return
	}
	r.c.Counter("chatrelay_webhook_requests_total", "Webhook requests by platform and response status",
		Labels("platform", platform, "status", strconv.Itoa(status))).Inc()
}

func (r *Relay) SendLatency(platform string, d time.Duration) {
	if r == nil {
		return
	}
	r.c.Histogram("chatrelay_send_duration_seconds", "Provider send latency in seconds",
		Labels("platform", platform), sendLatencyBuckets).Observe(d.Seconds())
}

// SetQueueDepth records the live queue length and dead-letter count.
func (r *Relay) SetQueueDepth(pending, deadLetters int) {
	if r == nil {
		return
	}
	r.c.Gauge("chatrelay_queue_pending", "Messages waiting for delivery", "").Set(int64(pending))
	r.c.Gauge("chatrelay_dead_letters", "Messages in the dead-letter store", "").Set(int64(deadLetters))
}

func (r *Relay) SetActiveSessions(n int) {
	if r == nil {
		return
	}
	r.c.Gauge("chatrelay_sessions_cached", "Sessions held in the session cache", "").Set(int64(n))
}

// Attach subscribes to relay lifecycle events and counts them.
func (r *Relay) Attach(eb *bus.EventBus) {
	eb.On("*", func(e bus.Event) {
		switch e.Type {
		case bus.EventMessageReceived:
			r.c.Counter("chatrelay_messages_received_total", "Inbound messages routed", Labels("platform", e.Platform)).Inc()
		case bus.EventMessageDuplicate:
			r.c.Counter("chatrelay_messages_duplicate_total", "Inbound redeliveries dropped", Labels("platform", e.Platform)).Inc()
		case bus.EventMessageSent:
			r.c.Counter("chatrelay_messages_sent_total", "Replies delivered", Labels("platform", e.Platform)).Inc()
		case bus.EventMessageRetry:
			r.c.Counter("chatrelay_send_retries_total", "Delivery attempts scheduled for retry", Labels("platform", e.Platform)).Inc()
		case bus.EventMessageDeadLettered:
			r.c.Counter("chatrelay_dead_lettered_total", "Messages moved to the dead-letter store", Labels("platform", e.Platform)).Inc()
		case bus.EventMessageReprocessed:
			r.c.Counter("chatrelay_reprocessed_total", "Dead letters requeued by an operator", Labels("platform", e.Platform)).Inc()
		case bus.EventWebhookRejected:
			r.c.Counter("chatrelay_webhook_rejected_total", "Webhooks that failed validation", Labels("platform", e.Platform)).Inc()
		case bus.EventSessionCreated:
			r.c.Counter("chatrelay_sessions_created_total", "Sessions created", Labels("platform", e.Platform)).Inc()
		case bus.EventSessionExpired:
			n, _ := e.Payload["count"].(int)
			r.c.Counter("chatrelay_sessions_expired_total", "Sessions moved to expired by the sweep", "").Add(int64(n))
		case bus.EventProviderState:
			state, _ := e.Payload["state"].(string)
			r.setProviderState(e.Platform, state)
		}
	})
}

var providerStates = []string{"disconnected", "connecting", "connected", "ready", "reconnecting", "failed"}

// setProviderState flips the one-hot state gauge for a platform.
func (r *Relay) setProviderState(platform, state string) {
	for _, s := range providerStates {
		v := int64(0)
		if s == state {
			v = 1
		}
		r.c.Gauge("chatrelay_gateway_state", "Gateway connection state (1 = current)",
			Labels("platform", platform, "state", s)).Set(v)
	}
}
