/*
 * Quicpool
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package quicpool

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/quicpool/lib/utils"
)

// poolMetrics aggregates all pool observability metrics.
type poolMetrics struct {
	requests       *prometheus.CounterVec
	jobResults     *prometheus.CounterVec
	attemptErrors  *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	migrations     *prometheus.CounterVec

	activations      prometheus.Counter
	ipPoolHits       prometheus.Counter
	alternateRetries prometheus.Counter
	sessionsActive   prometheus.Gauge
}

func newPoolMetrics() (*poolMetrics, error) {
	m := &poolMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicpool",
			Name:      "session_requests_total",
			Help:      "Session requests by outcome at submission time.",
		}, []string{"outcome"}),

		jobResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicpool",
			Name:      "jobs_total",
			Help:      "Finished session jobs by result.",
		}, []string{"result"}),

		attemptErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicpool",
			Name:      "attempt_errors_total",
			Help:      "Session attempt failures by stage.",
		}, []string{"stage"}),

		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicpool",
			Name:      "sessions_closed_total",
			Help:      "Pool initiated session closes by reason.",
		}, []string{"reason"}),

		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicpool",
			Name:      "session_migrations_total",
			Help:      "Session network migrations by result.",
		}, []string{"result"}),

		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quicpool",
			Name:      "sessions_activated_total",
			Help:      "Sessions activated into the pool.",
		}),

		ipPoolHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quicpool",
			Name:      "ip_pool_hits_total",
			Help:      "Requests served by an existing session to the same peer address.",
		}),

		alternateRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quicpool",
			Name:      "alternate_network_retries_total",
			Help:      "Pre-handshake connection retries on an alternate network.",
		}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quicpool",
			Name:      "sessions_active",
			Help:      "Sessions currently held by the pool.",
		}),
	}

	if err := utils.RegisterPrometheusCollectors(
		m.requests,
		m.jobResults,
		m.attemptErrors,
		m.sessionsClosed,
		m.migrations,
		m.activations,
		m.ipPoolHits,
		m.alternateRetries,
		m.sessionsActive,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

func (m *poolMetrics) reportRequest(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *poolMetrics) reportJobResult(result string) {
	m.jobResults.WithLabelValues(result).Inc()
}

func (m *poolMetrics) reportAttemptError(stage string) {
	m.attemptErrors.WithLabelValues(stage).Inc()
}

func (m *poolMetrics) reportSessionClosed(reason CloseReason) {
	m.sessionsClosed.WithLabelValues(reason.String()).Inc()
}

func (m *poolMetrics) reportMigration(result string) {
	m.migrations.WithLabelValues(result).Inc()
}

func (m *poolMetrics) reportActivation() {
	m.activations.Inc()
	m.sessionsActive.Inc()
}

func (m *poolMetrics) reportSessionRemoved() {
	m.sessionsActive.Dec()
}

func (m *poolMetrics) reportIPPoolHit() {
	m.ipPoolHits.Inc()
}

func (m *poolMetrics) reportRetryOnAlternateNetwork() {
	m.alternateRetries.Inc()
}
