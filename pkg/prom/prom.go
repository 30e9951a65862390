// Package prom registers the gateway's Prometheus metrics up front and exposes
// cheap record helpers. Recording against a metric that was never created logs
// a warning instead of panicking.
package prom

import (
	"sync"

	xhttp "github.com/trainu/outreach-gateway/pkg/http"
	"github.com/trainu/outreach-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemMessages = "message"
	SystemSync     = "sync"
	SystemQueue    = "queue"
)

const (
	MetricDispatchOutcome  = "dispatch_outcome_total"
	MetricDeliveryDuration = "delivery_duration_seconds"
	MetricSyncOutcome      = "event_outcome_total"
	MetricQueueDepth       = "depth"
)

var lockCreateMetricLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var MetricCollectionCounterVec = make(map[string]*prometheus.CounterVec)
var MetricCollectionGaugeVec = make(map[string]*prometheus.GaugeVec)
var MetricCollectionHistogramVec = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

func Create(host string, env string, nameSpace string) error {
	defaultLabels = make(prometheus.Labels)
	defaultLabels["env"] = env
	defaultLabels["instance"] = host
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	// Messages
	hasError(createCounterVec(SystemMessages, MetricDispatchOutcome, []string{"outcome", "channel"}))
	hasError(createHistogramVec(SystemMessages, MetricDeliveryDuration, []string{"channel"}))

	// CRM sync
	hasError(createCounterVec(SystemSync, MetricSyncOutcome, []string{"outcome"}))

	// Dispatch stream
	hasError(createGaugeVec(SystemQueue, MetricQueueDepth, []string{"consumer", "kind"}))

	return err
}

func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Router = xhttp.CreateDefaultRouter()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func createCounterVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionCounterVec[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionCounterVec[subsystem+name])
}

func createHistogramVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogramVec[subsystem+name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionHistogramVec[subsystem+name])
}

func createGaugeVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()

	MetricCollectionGaugeVec[subsystem+name] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionGaugeVec[subsystem+name])
}

func SetGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if MetricSystemEnabled == false {
		return
	}
	if v, ok := MetricCollectionGaugeVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Set(num)
		return
	}
	logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if MetricSystemEnabled == false {
		return
	}
	if v, ok := MetricCollectionCounterVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if MetricSystemEnabled == false {
		return
	}
	if v, ok := MetricCollectionHistogramVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
}

// IncDispatchOutcome counts one dispatch result: sent, failed, parked,
// skipped.
func IncDispatchOutcome(outcome, channel string) {
	IncCounterVec(SystemMessages, MetricDispatchOutcome, outcome, channel)
}

// AddDeliveryDuration observes creation-to-provider-accept latency.
func AddDeliveryDuration(seconds float64, channel string) {
	AddHistogramVec(SystemMessages, MetricDeliveryDuration, seconds, channel)
}

// IncSyncOutcome counts one inbound sync event result: discarded, applied,
// conflict.
func IncSyncOutcome(outcome string) {
	IncCounterVec(SystemSync, MetricSyncOutcome, outcome)
}

// SetQueueDepth exports a consumer's stream, pending and dead letter sizes.
func SetQueueDepth(consumer string, kind string, value float64) {
	SetGaugeVec(SystemQueue, MetricQueueDepth, value, consumer, kind)
}
