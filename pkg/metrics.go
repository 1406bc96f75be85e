package triggerdaq

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters exported by the pipeline nodes and the
// controller. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PacketsProcessed *prometheus.CounterVec
	TriggerDecisions *prometheus.CounterVec
	RecordsWritten   *prometheus.CounterVec
	Acquisitions     *prometheus.CounterVec
	Resyncs          *prometheus.CounterVec
	FilesOpened      *prometheus.CounterVec
	DAQStatus        prometheus.Gauge
	RunsStarted      prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		PacketsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "triggerdaq",
				Subsystem: "node",
				Name:      "packets_processed_total",
				Help:      "Total number of RUN packets consumed by a node",
			},
			[]string{"node"},
		),
		TriggerDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "triggerdaq",
				Subsystem: "trigger",
				Name:      "decisions_total",
				Help:      "Trigger flags emitted, by value",
			},
			[]string{"node", "flag"},
		),
		RecordsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "triggerdaq",
				Subsystem: "writer",
				Name:      "records_written_total",
				Help:      "Records handed to the archive",
			},
			[]string{"node"},
		),
		Acquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "triggerdaq",
				Subsystem: "writer",
				Name:      "acquisitions_total",
				Help:      "Acquisitions (contiguous triggered spans) started",
			},
			[]string{"node"},
		),
		Resyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "triggerdaq",
				Subsystem: "writer",
				Name:      "resyncs_total",
				Help:      "Packets skipped to realign the time and trigger streams",
			},
			[]string{"node"},
		),
		FilesOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "triggerdaq",
				Subsystem: "archive",
				Name:      "files_opened_total",
				Help:      "Archive files opened, including size rollovers",
			},
			[]string{"format"},
		),
		DAQStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "triggerdaq",
				Subsystem: "control",
				Name:      "status",
				Help:      "DAQ status (0=deactivated, 1=activating, 2=activated, 3=running, 4=deactivating, 5=canceled, 6=done, 7=error)",
			},
		),
		RunsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "triggerdaq",
				Subsystem: "control",
				Name:      "runs_started_total",
				Help:      "Runs started",
			},
		),
	}
}

// Register adds every collector to reg. Collectors already registered
// are accepted.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.PacketsProcessed,
		m.TriggerDecisions,
		m.RecordsWritten,
		m.Acquisitions,
		m.Resyncs,
		m.FilesOpened,
		m.DAQStatus,
		m.RunsStarted,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) packetProcessed(node string) {
	if m == nil {
		return
	}
	m.PacketsProcessed.WithLabelValues(node).Inc()
}

func (m *Metrics) triggerDecision(node string, flag bool) {
	if m == nil {
		return
	}
	value := "false"
	if flag {
		value = "true"
	}
	m.TriggerDecisions.WithLabelValues(node, value).Inc()
}

func (m *Metrics) recordWritten(node string, newAcquisition bool) {
	if m == nil {
		return
	}
	m.RecordsWritten.WithLabelValues(node).Inc()
	if newAcquisition {
		m.Acquisitions.WithLabelValues(node).Inc()
	}
}

func (m *Metrics) resync(node string) {
	if m == nil {
		return
	}
	m.Resyncs.WithLabelValues(node).Inc()
}

func (m *Metrics) fileOpened(format string) {
	if m == nil {
		return
	}
	m.FilesOpened.WithLabelValues(format).Inc()
}

func (m *Metrics) status(s DAQStatus) {
	if m == nil {
		return
	}
	m.DAQStatus.Set(float64(s))
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
}
