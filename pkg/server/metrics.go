package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/audit"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

// AuditStats reports emitter counters.
type AuditStats interface {
	Stats() audit.Stats
}

type decisionKey struct {
	verdict policy.Verdict
	code    engine.Code
}

// Metrics collects counters for Prometheus export. It observes decisions
// from the relay and the egress proxy.
type Metrics struct {
	requestsTotal    atomic.Int64
	connectionsOpen  atomic.Int64
	connectionsTotal atomic.Int64

	mu        sync.RWMutex
	decisions map[decisionKey]*atomic.Int64
	audit     AuditStats
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{decisions: make(map[decisionKey]*atomic.Int64)}
}

// SetAuditStats attaches the audit emitter whose counters are exported.
func (m *Metrics) SetAuditStats(a AuditStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = a
}

// IncrementRequests counts a dry-run validation request.
func (m *Metrics) IncrementRequests() {
	m.requestsTotal.Add(1)
}

// ObserveDecision counts a final decision by verdict and denial code.
func (m *Metrics) ObserveDecision(d engine.Decision) {
	key := decisionKey{verdict: d.Verdict, code: d.Code}

	m.mu.RLock()
	counter, ok := m.decisions[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		counter, ok = m.decisions[key]
		if !ok {
			counter = new(atomic.Int64)
			m.decisions[key] = counter
		}
		m.mu.Unlock()
	}
	counter.Add(1)
}

// ObserveConnection tracks open agent connections.
func (m *Metrics) ObserveConnection(delta int) {
	m.connectionsOpen.Add(int64(delta))
	if delta > 0 {
		m.connectionsTotal.Add(int64(delta))
	}
}

// GetRequestsTotal returns the validation request count.
func (m *Metrics) GetRequestsTotal() int64 {
	return m.requestsTotal.Load()
}

// GetConnections returns the number of open connections.
func (m *Metrics) GetConnections() int64 {
	return m.connectionsOpen.Load()
}

// GetDecisionsTotal returns decision counts keyed by verdict, or by
// "verdict/CODE" for denials.
func (m *Metrics) GetDecisionsTotal() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]int64)
	for k, v := range m.decisions {
		name := string(k.verdict)
		if k.code != "" {
			name += "/" + string(k.code)
		}
		result[name] += v.Load()
	}
	return result
}

// Prometheus returns metrics in Prometheus text format.
func (m *Metrics) Prometheus() string {
	var sb strings.Builder

	sb.WriteString("# HELP capgate_validate_requests_total Total number of dry-run validation requests\n")
	sb.WriteString("# TYPE capgate_validate_requests_total counter\n")
	sb.WriteString(fmt.Sprintf("capgate_validate_requests_total %d\n", m.requestsTotal.Load()))
	sb.WriteString("\n")

	sb.WriteString("# HELP capgate_decisions_total Total decisions by verdict and denial code\n")
	sb.WriteString("# TYPE capgate_decisions_total counter\n")
	m.mu.RLock()
	keys := make([]decisionKey, 0, len(m.decisions))
	for k := range m.decisions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].verdict != keys[j].verdict {
			return keys[i].verdict < keys[j].verdict
		}
		return keys[i].code < keys[j].code
	})
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("capgate_decisions_total{verdict=%q,code=%q} %d\n", k.verdict, k.code, m.decisions[k].Load()))
	}
	auditStats := m.audit
	m.mu.RUnlock()
	sb.WriteString("\n")

	sb.WriteString("# HELP capgate_connections_open Agent connections currently relaying\n")
	sb.WriteString("# TYPE capgate_connections_open gauge\n")
	sb.WriteString(fmt.Sprintf("capgate_connections_open %d\n", m.connectionsOpen.Load()))
	sb.WriteString("# HELP capgate_connections_total Agent connections accepted\n")
	sb.WriteString("# TYPE capgate_connections_total counter\n")
	sb.WriteString(fmt.Sprintf("capgate_connections_total %d\n", m.connectionsTotal.Load()))

	if auditStats != nil {
		s := auditStats.Stats()
		sb.WriteString("\n")
		writeCounter(&sb, "capgate_audit_emitted_total", "Audit records accepted for delivery", s.Emitted)
		writeCounter(&sb, "capgate_audit_delivered_total", "Audit records written to the sink", s.Delivered)
		writeCounter(&sb, "capgate_audit_dropped_total", "Audit records dropped because the queue was full", s.Dropped)
		writeCounter(&sb, "capgate_audit_sink_errors_total", "Audit records the sink failed to store", s.SinkErrors)
		sb.WriteString("# HELP capgate_audit_queued Audit records waiting for delivery\n")
		sb.WriteString("# TYPE capgate_audit_queued gauge\n")
		sb.WriteString(fmt.Sprintf("capgate_audit_queued %d\n", s.Queued))
	}

	return sb.String()
}

func writeCounter(sb *strings.Builder, name, help string, v uint64) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
	sb.WriteString(fmt.Sprintf("%s %d\n", name, v))
}
