/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "com.couchbase.devcluster"

type DcMetrics struct {
	PhaseDuration     metric.Float64Histogram
	ProbeAttempts     metric.Int64Counter
	ProcessesLaunched metric.Int64Counter
	ProcessExits      metric.Int64Counter
}

var (
	dcMetrics     *DcMetrics
	dcMetricsLock sync.Mutex
)

// GetDcMetrics returns the process wide instruments, creating them against
// the global meter provider on first use.  The meter provider must be set
// before the first call for the instruments to be exported.
func GetDcMetrics() *DcMetrics {
	dcMetricsLock.Lock()
	defer dcMetricsLock.Unlock()

	if dcMetrics == nil {
		dcMetrics = NewDcMetrics(otel.GetMeterProvider())
	}

	return dcMetrics
}

func NewDcMetrics(provider metric.MeterProvider) *DcMetrics {
	meter := provider.Meter(meterName)

	phaseDuration, _ := meter.Float64Histogram("devcluster_phase_duration_seconds",
		metric.WithDescription("time spent in each bring-up phase"),
		metric.WithUnit("s"))
	probeAttempts, _ := meter.Int64Counter("devcluster_probe_attempts_total",
		metric.WithDescription("readiness probe connection attempts"))
	processesLaunched, _ := meter.Int64Counter("devcluster_processes_launched_total",
		metric.WithDescription("node processes started"))
	processExits, _ := meter.Int64Counter("devcluster_process_exits_total",
		metric.WithDescription("node processes observed exiting"))

	return &DcMetrics{
		PhaseDuration:     phaseDuration,
		ProbeAttempts:     probeAttempts,
		ProcessesLaunched: processesLaunched,
		ProcessExits:      processExits,
	}
}
