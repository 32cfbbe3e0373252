package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/bashirmohd/bigdataexpress-C/common/bandwidth"
)

// SiteProvider lists the entities registered at the site, for Grafana variable queries.
type SiteProvider interface {
	StorageIds() []string
	DTNIds() []string
}

// SchedulerPrometheusManager is responsible for registering the metrics of the transfer scheduler with
// Prometheus and serving them via HTTP.
//
// SchedulerPrometheusManager implements bandwidth.Observer.
type SchedulerPrometheusManager struct {
	*basePrometheusManager

	site SiteProvider

	// BandwidthUsedGaugeVec is the bandwidth currently in use, per entity and direction.
	//
	// This metric requires the following labels:
	//
	// - "entity_id": the id of the storage or DTN.
	//
	// - "direction": "read" or "write" for storages, "in" or "out" for DTNs.
	BandwidthUsedGaugeVec *prometheus.GaugeVec

	// BandwidthMaxGaugeVec is the bandwidth capacity, per entity and direction.
	BandwidthMaxGaugeVec *prometheus.GaugeVec

	// ReservationsCounterVec counts reservation attempts, labelled by "outcome" ("granted" or "denied").
	ReservationsCounterVec *prometheus.CounterVec

	// JobsGaugeVec is the number of jobs tracked by the scheduler, per state.
	JobsGaugeVec *prometheus.GaugeVec

	// EventsCounterVec counts control-channel events, labelled by "kind" and "outcome".
	EventsCounterVec *prometheus.CounterVec

	// BlocksScheduledCounter is the total number of blocks that have been assigned to a DTN.
	BlocksScheduledCounter prometheus.Counter

	// BlocksDeferredCounter is the total number of times a block could not be placed in a scheduling pass.
	BlocksDeferredCounter prometheus.Counter

	// SchedulingPassLatencyMicroseconds is the latency of a single scheduling pass over one job.
	SchedulingPassLatencyMicroseconds prometheus.Histogram

	// PendingEventsGauge is the number of events waiting to be published to the broker.
	PendingEventsGauge prometheus.Gauge

	// BrokerConnectedGauge is 1 while the control channel is connected to the broker.
	BrokerConnectedGauge prometheus.Gauge
}

// NewSchedulerPrometheusManager creates a new SchedulerPrometheusManager and returns a pointer to it.
func NewSchedulerPrometheusManager(port int, nodeId string, site SiteProvider) *SchedulerPrometheusManager {
	baseManager := newBasePrometheusManager(port, nodeId)
	manager := &SchedulerPrometheusManager{
		basePrometheusManager: baseManager,
		site:                  site,
	}
	baseManager.instance = manager
	baseManager.initializeInstanceMetrics = manager.initMetrics

	return manager
}

func (m *SchedulerPrometheusManager) initMetrics() error {
	m.BandwidthUsedGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "bandwidth_used",
		Help:      "Bandwidth currently in use, including the baseline usage reported at registration",
	}, []string{"entity_id", "direction"})

	m.BandwidthMaxGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "bandwidth_max",
		Help:      "Bandwidth capacity",
	}, []string{"entity_id", "direction"})

	m.ReservationsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "reservations_total",
		Help:      "The number of bandwidth reservation attempts",
	}, []string{"outcome"})

	m.JobsGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "jobs",
		Help:      "The number of jobs tracked by the scheduler",
	}, []string{"state"})

	m.EventsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "events_total",
		Help:      "The number of control-channel events received",
	}, []string{"kind", "outcome"})

	m.BlocksScheduledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "blocks_scheduled_total",
		Help:      "The number of blocks that have been assigned to a DTN",
	})

	m.BlocksDeferredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "blocks_deferred_total",
		Help:      "The number of times a block could not be placed for lack of bandwidth",
	})

	m.SchedulingPassLatencyMicroseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "scheduling_pass_latency_microseconds",
		Help:      "The latency, in microseconds, of a scheduling pass over a single job",
		Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10e3, 25e3, 50e3, 100e3, 250e3, 1e6},
	})

	m.PendingEventsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "pending_events",
		Help:      "The number of events waiting to be published to the message broker",
	})

	m.BrokerConnectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "broker_connected",
		Help:      "1 if the control channel is connected to the message broker, 0 otherwise",
	})

	return m.register(map[string]prometheus.Collector{
		"Bandwidth Used":            m.BandwidthUsedGaugeVec,
		"Bandwidth Max":             m.BandwidthMaxGaugeVec,
		"Reservations":              m.ReservationsCounterVec,
		"Jobs":                      m.JobsGaugeVec,
		"Events":                    m.EventsCounterVec,
		"Blocks Scheduled":          m.BlocksScheduledCounter,
		"Blocks Deferred":           m.BlocksDeferredCounter,
		"Scheduling Pass Latency":   m.SchedulingPassLatencyMicroseconds,
		"Pending Events":            m.PendingEventsGauge,
		"Message Broker Connection": m.BrokerConnectedGauge,
	})
}

// ObserveUsage records the used and maximum bandwidth of an entity in one direction.
func (m *SchedulerPrometheusManager) ObserveUsage(entityId string, direction bandwidth.Direction, used decimal.Decimal,
	max decimal.Decimal) {

	if !m.metricsInitialized {
		return
	}

	labels := prometheus.Labels{"entity_id": entityId, "direction": direction.String()}
	m.BandwidthUsedGaugeVec.With(labels).Set(used.InexactFloat64())
	m.BandwidthMaxGaugeVec.With(labels).Set(max.InexactFloat64())
}

// ObserveReservation records the outcome of a reservation attempt.
func (m *SchedulerPrometheusManager) ObserveReservation(reserved bool) {
	if !m.metricsInitialized {
		return
	}

	outcome := "denied"
	if reserved {
		outcome = "granted"
	}

	m.ReservationsCounterVec.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// ObserveSchedulingPass records the result of a scheduling pass over a single job.
func (m *SchedulerPrometheusManager) ObserveSchedulingPass(latency time.Duration, scheduled int, deferred int) error {
	if !m.metricsInitialized {
		m.log.Warn("Cannot record scheduling pass as metrics have not yet been initialized...")
		return ErrMetricsNotInitialized
	}

	m.SchedulingPassLatencyMicroseconds.Observe(float64(latency.Microseconds()))
	m.BlocksScheduledCounter.Add(float64(scheduled))
	m.BlocksDeferredCounter.Add(float64(deferred))

	return nil
}

// ObserveEvent records that an event of the given kind was received. applied is false for duplicates and for
// events that could not be applied.
func (m *SchedulerPrometheusManager) ObserveEvent(kind string, applied bool) {
	if !m.metricsInitialized {
		return
	}

	outcome := "applied"
	if !applied {
		outcome = "ignored"
	}

	m.EventsCounterVec.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
}

// SetJobCounts replaces the per-state job gauges. States that are absent from counts are set to zero.
func (m *SchedulerPrometheusManager) SetJobCounts(counts map[string]int, states []string) {
	if !m.metricsInitialized {
		return
	}

	for _, state := range states {
		m.JobsGaugeVec.With(prometheus.Labels{"state": state}).Set(float64(counts[state]))
	}
}

// SetBrokerStatus records the connection status of the control channel and the size of its outbound queue.
func (m *SchedulerPrometheusManager) SetBrokerStatus(connected bool, pending int) {
	if !m.metricsInitialized {
		return
	}

	if connected {
		m.BrokerConnectedGauge.Set(1)
	} else {
		m.BrokerConnectedGauge.Set(0)
	}

	m.PendingEventsGauge.Set(float64(pending))
}

// HandleVariablesRequest handles query requests from Grafana for variables that are required to create Dashboards.
func (m *SchedulerPrometheusManager) HandleVariablesRequest(c *gin.Context) {
	variable := c.Param("variable_name")
	m.log.Debug("Received query for variable: \"%s\"", variable)

	response := make(map[string]interface{})
	switch variable {
	case "storage_ids":
		response["storage_ids"] = m.site.StorageIds()
	case "dtn_ids":
		response["dtn_ids"] = m.site.DTNIds()
	case "num_dtns":
		response["num_dtns"] = len(m.site.DTNIds())
	default:
		m.log.Error("Received variable query for unknown variable \"%s\".", variable)
		_ = c.AbortWithError(http.StatusBadRequest, fmt.Errorf("unknown or unsupported variable: \"%s\"", variable))
		return
	}

	c.JSON(http.StatusOK, response)
}
