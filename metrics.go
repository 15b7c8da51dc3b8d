package lldplab

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics describe a single run. They are written as a text file
// next to the collected output.
type metrics struct {
	reg *prometheus.Registry

	commands    *prometheus.CounterVec
	commandTime *prometheus.HistogramVec
	bootTime    *prometheus.GaugeVec
	phaseTime   *prometheus.GaugeVec
}

func newMetrics(runID string) *metrics {
	labels := prometheus.Labels{"run_id": runID}
	ret := &metrics{
		reg: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "lldplab",
			Name:        "commands_total",
			Help:        "Commands completed by each VM.",
			ConstLabels: labels,
		}, []string{"vm"}),
		commandTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "lldplab",
			Name:        "command_duration_seconds",
			Help:        "Time from dispatch to completion of a command.",
			ConstLabels: labels,
			Buckets:     []float64{0.1, 0.2, 0.5, 1, 2, 5, 10, 15},
		}, []string{"vm"}),
		bootTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "lldplab",
			Name:        "boot_duration_seconds",
			Help:        "Time from launch until the VM answered a command.",
			ConstLabels: labels,
		}, []string{"vm"}),
		phaseTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "lldplab",
			Name:        "phase_duration_seconds",
			Help:        "Time spent in each lifecycle phase.",
			ConstLabels: labels,
		}, []string{"phase"}),
	}
	ret.reg.MustRegister(ret.commands, ret.commandTime, ret.bootTime, ret.phaseTime)
	return ret
}

func (m *metrics) observeCommand(vm string, took time.Duration) {
	m.commands.WithLabelValues(vm).Inc()
	m.commandTime.WithLabelValues(vm).Observe(took.Seconds())
}

func (m *metrics) observeBoot(vm string, took time.Duration) {
	m.bootTime.WithLabelValues(vm).Set(took.Seconds())
}

func (m *metrics) observePhase(p Phase, took time.Duration) {
	m.phaseTime.WithLabelValues(p.String()).Set(took.Seconds())
}

func (m *metrics) write(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
