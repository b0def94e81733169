package throttling

import (
	"sync"
	"time"

	"github.com/jimmy777/ditto-connectivity/pkg/connection"
)

// Direction distinguishes which leg of a connection a metric applies to.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// Key identifies one throttling alert: a single connection's traffic in one
// direction through one address. Metric type is always "throttled" within
// this registry, so it carries no metric-type field.
type Key struct {
	ConnectionID string
	Direction    Direction
	Address      string
}

// Registry keeps track of per-(connection,direction,address) Alerts so
// that multiple connections' throttling state never shares a counter.
// The create-on-miss path needs a mutex to avoid two goroutines racing to
// construct the same Alert; the Alert's own counter increments
// (SlidingWindowCounter.Tick) are lock-free once it exists.
type Registry struct {
	mu     sync.Mutex
	alerts map[Key]*Alert
	window Window
	now    func() time.Time
}

// NewRegistry creates an empty Registry keyed off the given window shape.
func NewRegistry(window Window) *Registry {
	return &Registry{alerts: make(map[Key]*Alert), window: window}
}

// ConfigForConnectionType resolves the throttling Config for a connection
// type: Kafka consumers are throttled per kafkaCfg; every other connection
// type (MQTT, AMQP_091, HTTP_PUSH) gets a zero-Interval Config, which
// EffectiveLimit treats as "effectively infinite".
func ConfigForConnectionType(connType connection.Type, kafkaCfg Config) Config {
	switch connType {
	case connection.TypeKafka:
		return kafkaCfg
	default:
		return Config{}
	}
}

// GetOrCreate returns the Alert for key, constructing it from cfg on first
// use. Subsequent calls for the same key ignore cfg and return the
// already-registered Alert.
func (r *Registry) GetOrCreate(key Key, cfg Config) *Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	if alert, ok := r.alerts[key]; ok {
		return alert
	}
	alert := NewAlert(NewSlidingWindowCounter(r.window, r.now), cfg, r.window)
	r.alerts[key] = alert
	return alert
}

// Update replaces the Alert for key with one built from cfg, used when a
// connection is modified and its throttling configuration changes shape.
func (r *Registry) Update(key Key, cfg Config) *Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert := NewAlert(NewSlidingWindowCounter(r.window, r.now), cfg, r.window)
	r.alerts[key] = alert
	return alert
}

// Lookup returns the Alert registered for key, if any.
func (r *Registry) Lookup(key Key) (*Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[key]
	return alert, ok
}
