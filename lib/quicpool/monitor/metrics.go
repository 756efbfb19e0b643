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

package monitor

import (
	"strconv"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/quicpool/lib/utils"
)

type monitorMetrics struct {
	degradingSessions prometheus.Gauge
	writeErrors       *prometheus.CounterVec
	resets            prometheus.Counter
}

func newMonitorMetrics() (*monitorMetrics, error) {
	m := &monitorMetrics{
		degradingSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quicpool",
			Subsystem: "monitor",
			Name:      "degrading_sessions",
			Help:      "Sessions currently reporting path degradation on the default network.",
		}),

		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicpool",
			Subsystem: "monitor",
			Name:      "write_errors_total",
			Help:      "Session write errors on the default network by error code.",
		}, []string{"code"}),

		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quicpool",
			Subsystem: "monitor",
			Name:      "resets_total",
			Help:      "Connectivity state resets from default network changes.",
		}),
	}

	if err := utils.RegisterPrometheusCollectors(
		m.degradingSessions,
		m.writeErrors,
		m.resets,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

func (m *monitorMetrics) setDegradingSessions(n int) {
	m.degradingSessions.Set(float64(n))
}

func (m *monitorMetrics) reportWriteError(code WriteErrorCode) {
	m.writeErrors.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func (m *monitorMetrics) reportReset() {
	m.resets.Inc()
}
