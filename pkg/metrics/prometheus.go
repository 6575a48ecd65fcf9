// Package metrics exposes change feed and gateway signals to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
)

const defaultNamespace = "changefeed"

// Prometheus implements changefeed.Metrics for one named feed.
type Prometheus struct {
	listeners    prometheus.Gauge
	state        *prometheus.GaugeVec
	events       prometheus.Counter
	reconnects   prometheus.Counter
	openFailures prometheus.Counter
}

var _ changefeed.Metrics = (*Prometheus)(nil)

// NewPrometheus registers the feed collectors on reg (the default registerer
// when nil). Every series carries a feed=<feed> label.
func NewPrometheus(reg prometheus.Registerer, namespace, feed string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	labels := prometheus.Labels{"feed": feed}
	factory := promauto.With(reg)

	return &Prometheus{
		listeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "listeners",
			Help:        "Current number of registered listeners",
			ConstLabels: labels,
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "state",
			Help:        "Subscription state; 1 for the current state, 0 otherwise",
			ConstLabels: labels,
		}, []string{"state"}),
		events: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_total",
			Help:        "Total change events relayed to listeners",
			ConstLabels: labels,
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnects_total",
			Help:        "Total reopen attempts after a feed failure",
			ConstLabels: labels,
		}),
		openFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "open_failures_total",
			Help:        "Total failed attempts to open the feed",
			ConstLabels: labels,
		}),
	}
}

func (p *Prometheus) SetListeners(n int) { p.listeners.Set(float64(n)) }

func (p *Prometheus) SetState(s changefeed.State) {
	for _, st := range []changefeed.State{
		changefeed.StateIdle,
		changefeed.StateConnecting,
		changefeed.StateLive,
		changefeed.StateRetrying,
	} {
		v := 0.0
		if st == s {
			v = 1
		}
		p.state.WithLabelValues(st.String()).Set(v)
	}
}

func (p *Prometheus) IncEvents()       { p.events.Inc() }
func (p *Prometheus) IncReconnects()   { p.reconnects.Inc() }
func (p *Prometheus) IncOpenFailures() { p.openFailures.Inc() }

// Gateway tracks websocket subscribers.
type Gateway struct {
	clients  prometheus.Gauge
	dropped  *prometheus.CounterVec
	rejected prometheus.Counter
}

// NewGateway registers the gateway collectors on reg.
func NewGateway(reg prometheus.Registerer, namespace string) *Gateway {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	factory := promauto.With(reg)

	return &Gateway{
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "clients",
			Help:      "Connected websocket subscribers",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "disconnects_total",
			Help:      "Websocket subscribers disconnected by reason",
		}, []string{"reason"}), // client, slow, write_error, shutdown
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Websocket connections rejected by the per-IP limiter",
		}),
	}
}

// ClientConnected and ClientDisconnected keep the clients gauge current.
func (g *Gateway) ClientConnected() {
	if g != nil {
		g.clients.Inc()
	}
}

func (g *Gateway) ClientDisconnected(reason string) {
	if g != nil {
		g.clients.Dec()
		g.dropped.WithLabelValues(reason).Inc()
	}
}

func (g *Gateway) RateLimited() {
	if g != nil {
		g.rejected.Inc()
	}
}
