package stats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports event counts as Prometheus counters.
type Metrics struct {
	events *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "household_autoconfirm_events_total",
			Help: "Total number of watcher events by stage and type",
		},
		[]string{"stage", "type"},
	)
	if err := reg.Register(events); err != nil {
		return nil, err
	}
	return &Metrics{events: events}, nil
}

func (m *Metrics) Observe(evt Event) {
	m.events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()
}

// Subscribe attaches the metrics to an event stream.
func (m *Metrics) Subscribe(stream EventStream) {
	stream.SubscribeStats("metrics", func(ctx context.Context, events <-chan Event) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt, ok := <-events:
				if !ok {
					return nil
				}
				m.Observe(evt)
			}
		}
	})
}
