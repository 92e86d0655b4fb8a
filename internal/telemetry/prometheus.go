package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"iris/internal/types"
)

// PrometheusRecorder exposes accounting counters for scraping on /metrics.
type PrometheusRecorder struct {
	UsageIncrementsTotal *prometheus.CounterVec
	AdmissionDeniedTotal *prometheus.CounterVec
	PlanChangesTotal     *prometheus.CounterVec
	AddonPurchasesTotal  *prometheus.CounterVec
	AddonUnitsTotal      *prometheus.CounterVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder creates and registers the accounting counters.
// Registration panics on duplicate names, as with prometheus.MustRegister.
func NewPrometheusRecorder(registry prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		UsageIncrementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iris_usage_increments_total",
				Help: "Total number of usage increment attempts",
			},
			[]string{"feature", "result"},
		),
		AdmissionDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iris_admission_denied_total",
				Help: "Total number of gated actions refused for exhausted quota",
			},
			[]string{"feature"},
		),
		PlanChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iris_plan_changes_total",
				Help: "Total number of committed plan changes",
			},
			[]string{"from", "to"},
		),
		AddonPurchasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iris_addon_purchases_total",
				Help: "Total number of committed add-on purchases",
			},
			[]string{"feature"},
		),
		AddonUnitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iris_addon_units_total",
				Help: "Total number of feature uses granted by add-on purchases",
			},
			[]string{"feature"},
		),
	}

	registry.MustRegister(
		r.UsageIncrementsTotal,
		r.AdmissionDeniedTotal,
		r.PlanChangesTotal,
		r.AddonPurchasesTotal,
		r.AddonUnitsTotal,
	)
	return r
}

func (r *PrometheusRecorder) UsageIncremented(_ context.Context, feature types.Feature, ok bool) {
	r.UsageIncrementsTotal.WithLabelValues(string(feature), resultLabel(ok)).Inc()
}

func (r *PrometheusRecorder) AdmissionDenied(_ context.Context, feature types.Feature) {
	r.AdmissionDeniedTotal.WithLabelValues(string(feature)).Inc()
}

func (r *PrometheusRecorder) PlanChanged(_ context.Context, from, to types.Plan) {
	r.PlanChangesTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (r *PrometheusRecorder) AddonPurchased(_ context.Context, feature types.Feature, units int) {
	r.AddonPurchasesTotal.WithLabelValues(string(feature)).Inc()
	if units > 0 {
		r.AddonUnitsTotal.WithLabelValues(string(feature)).Add(float64(units))
	}
}
