package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics instruments the escrow backend. A nil *EscrowMetrics is valid
// and records nothing.
type EscrowMetrics struct {
	requests        *prometheus.CounterVec
	securityKeys    *prometheus.CounterVec
	roomKeysStored  prometheus.Counter
	roomKeysShipped prometheus.Counter
}

// NewEscrowMetrics creates the escrow counters and registers them with reg.
func NewEscrowMetrics(namespace string, reg prometheus.Registerer) (*EscrowMetrics, error) {
	m := &EscrowMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_requests_total",
			Help:      "Escrow API requests by operation and result.",
		}, []string{"op", "result"}),
		securityKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_security_key_writes_total",
			Help:      "Security key writes by outcome.",
		}, []string{"outcome"}),
		roomKeysStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_room_keys_stored_total",
			Help:      "Session key records stored for the first time.",
		}),
		roomKeysShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_room_keys_returned_total",
			Help:      "Peer session key records returned to devices.",
		}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.securityKeys, m.roomKeysStored, m.roomKeysShipped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *EscrowMetrics) Request(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(op, result).Inc()
}

// SecurityKeyWrite records a security key write: "created", "overwritten" or "conflict".
func (m *EscrowMetrics) SecurityKeyWrite(outcome string) {
	if m == nil {
		return
	}
	m.securityKeys.WithLabelValues(outcome).Inc()
}

func (m *EscrowMetrics) RoomKeysStored(n int) {
	if m == nil {
		return
	}
	m.roomKeysStored.Add(float64(n))
}

func (m *EscrowMetrics) RoomKeysReturned(n int) {
	if m == nil {
		return
	}
	m.roomKeysShipped.Add(float64(n))
}
