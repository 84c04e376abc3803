package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camd_wifi_scans_total",
		Help: "WiFi scan requests by result.",
	}, []string{"result"})

	metricModeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camd_mode_transitions_total",
		Help: "Connectivity mode transitions by target state.",
	}, []string{"to"})

	metricAPMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camd_ap_mode",
		Help: "1 when the setup hotspot is active, 0 otherwise.",
	})

	metricUpdateChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camd_update_checks_total",
		Help: "Update checks by result.",
	}, []string{"result"})

	metricUpdateApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camd_update_applies_total",
		Help: "Update applies by result.",
	}, []string{"result"})
)

func observeMode(apMode bool, to string) {
	metricModeTransitions.WithLabelValues(to).Inc()
	if apMode {
		metricAPMode.Set(1)
	} else {
		metricAPMode.Set(0)
	}
}
