package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	requests      *prometheus.CounterVec
	subscriptions prometheus.Gauge
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Store API requests by route and status code.",
		}, []string{"route", "code"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaysync",
			Subsystem: "http",
			Name:      "subscriptions_active",
			Help:      "Open websocket subscriptions.",
		}),
	}
	reg.MustRegister(m.requests, m.subscriptions)
	return m
}

func (m *serverMetrics) observe(route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// statusRecorder captures the response code and passes hijacking through for
// websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
