package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics mengumpulkan metrik domain ledger kredit dan penyelesaian order.
// Semua method aman dipanggil pada receiver nil.
type LedgerMetrics struct {
	transactions       *prometheus.CounterVec
	insufficientCredit prometheus.Counter
	lockRetries        *prometheus.CounterVec
	corruption         prometheus.Counter
	outbox             *prometheus.CounterVec
	ordersCompleted    *prometheus.CounterVec
}

// NewLedgerMetrics mendaftarkan metrik ledger pada registerer yang diberikan.
func NewLedgerMetrics(reg prometheus.Registerer) (*LedgerMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &LedgerMetrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wholesale_ledger_transactions_total",
			Help: "Ledger transactions appended, by kind.",
		}, []string{"kind"}),
		insufficientCredit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wholesale_ledger_insufficient_credit_total",
			Help: "Charges rejected because the credit limit would be exceeded.",
		}),
		lockRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wholesale_ledger_lock_retries_total",
			Help: "Units of work retried after lock contention.",
		}, []string{"scope"}),
		corruption: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wholesale_ledger_corruption_detected_total",
			Help: "Accounts frozen because the cached balance disagreed with the log.",
		}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wholesale_outbox_events_total",
			Help: "Outbox events relayed to the broker, by result.",
		}, []string{"result"}),
		ordersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wholesale_orders_completed_total",
			Help: "Orders completed, by payment method.",
		}, []string{"method"}),
	}
	var err error
	if m.transactions, err = register(reg, m.transactions); err != nil {
		return nil, err
	}
	if m.insufficientCredit, err = register(reg, m.insufficientCredit); err != nil {
		return nil, err
	}
	if m.lockRetries, err = register(reg, m.lockRetries); err != nil {
		return nil, err
	}
	if m.corruption, err = register(reg, m.corruption); err != nil {
		return nil, err
	}
	if m.outbox, err = register(reg, m.outbox); err != nil {
		return nil, err
	}
	if m.ordersCompleted, err = register(reg, m.ordersCompleted); err != nil {
		return nil, err
	}
	return m, nil
}

// TransactionRecorded menghitung transaksi baru.
func (m *LedgerMetrics) TransactionRecorded(kind string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind).Inc()
}

// InsufficientCredit menghitung charge yang ditolak.
func (m *LedgerMetrics) InsufficientCredit() {
	if m == nil {
		return
	}
	m.insufficientCredit.Inc()
}

// LockRetry menghitung retry karena kontensi.
func (m *LedgerMetrics) LockRetry(scope string) {
	if m == nil {
		return
	}
	m.lockRetries.WithLabelValues(scope).Inc()
}

// CorruptionDetected menghitung akun yang dibekukan.
func (m *LedgerMetrics) CorruptionDetected() {
	if m == nil {
		return
	}
	m.corruption.Inc()
}

// OutboxRelayed menghitung hasil relay outbox ("published" atau "failed").
func (m *LedgerMetrics) OutboxRelayed(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outbox.WithLabelValues(result).Add(float64(n))
}

// OrderCompleted menghitung order yang selesai.
func (m *LedgerMetrics) OrderCompleted(method string) {
	if m == nil {
		return
	}
	m.ordersCompleted.WithLabelValues(method).Inc()
}

// register mendaftarkan collector, memakai ulang collector yang sudah terdaftar.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
