package xcpsigner

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "xcpsigner"

// Metrics counts engine activity. A nil *Metrics records nothing.
type Metrics struct {
	consolidations *prometheus.CounterVec
	inputsSpent    prometheus.Counter
	feesPaid       *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	replaysBlocked prometheus.Counter
	utxosSkipped   prometheus.Counter
}

// NewMetrics creates the engine counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		consolidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "consolidations_total",
				Help:      "Consolidations built, by outcome.",
			},
			[]string{"outcome"},
		),
		inputsSpent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "inputs_signed_total",
			Help:      "Bare multisig inputs signed.",
		}),
		feesPaid: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fees_sats_total",
				Help:      "Fees paid by signed consolidations.",
			},
			[]string{"kind"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broadcasts_total",
				Help:      "Broadcast attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		replaysBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replays_blocked_total",
			Help:      "Requests rejected as replays.",
		}),
		utxosSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "utxos_skipped_total",
			Help:      "Fetched utxos left out of a consolidation.",
		}),
	}

	collectors := []prometheus.Collector{
		m.consolidations, m.inputsSpent, m.feesPaid, m.broadcasts,
		m.replaysBlocked, m.utxosSkipped,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) consolidationBuilt(inputs int, networkFee,
	serviceFee btcutil.Amount) {

	if m == nil {
		return
	}

	m.consolidations.WithLabelValues("built").Inc()
	m.inputsSpent.Add(float64(inputs))
	m.feesPaid.WithLabelValues("network").Add(float64(networkFee))
	m.feesPaid.WithLabelValues("service").Add(float64(serviceFee))
}

func (m *Metrics) consolidationFailed() {
	if m == nil {
		return
	}

	m.consolidations.WithLabelValues("failed").Inc()
}

func (m *Metrics) broadcast(ok bool) {
	if m == nil {
		return
	}

	outcome := "accepted"
	if !ok {
		outcome = "rejected"
	}
	m.broadcasts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) replayBlocked() {
	if m == nil {
		return
	}

	m.replaysBlocked.Inc()
}

func (m *Metrics) skipped(n int) {
	if m == nil || n == 0 {
		return
	}

	m.utxosSkipped.Add(float64(n))
}
