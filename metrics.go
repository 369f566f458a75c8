package hostedui

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests *prometheus.CounterVec
	views    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"handler", "code", "method"}),
		views: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostedui_views_rendered_total",
			Help: "Count of index page renders, by view.",
		}, []string{"view"}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.views} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register prometheus metrics")
		}
	}
	return m, nil
}

// instrument counts requests to handler under the given name.
func (m *metrics) instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snoop := httpsnoop.CaptureMetrics(handler, w, r)
		m.requests.With(prometheus.Labels{"handler": name, "code": strconv.Itoa(snoop.Code), "method": r.Method}).Inc()
	})
}

func (m *metrics) viewRendered(v View) {
	m.views.WithLabelValues(v.String()).Inc()
}
