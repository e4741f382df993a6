// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dsentr_runs_claimed_total",
			Help: "Total workflow runs claimed by workers",
		},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsentr_runs_completed_total",
			Help: "Total workflow runs finalized, by terminal status",
		},
		[]string{"status"},
	)

	nodesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsentr_nodes_executed_total",
			Help: "Total graph nodes executed, by node kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	egressBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsentr_egress_blocks_total",
			Help: "Total outbound HTTP requests blocked, by rule",
		},
		[]string{"rule"},
	)

	webhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsentr_webhook_requests_total",
			Help: "Total webhook trigger requests, by outcome",
		},
		[]string{"outcome"},
	)

	expiredLeases = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dsentr_expired_leases_requeued_total",
			Help: "Total runs returned to the queue after lease expiry",
		},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsentr_persistence_errors_total",
			Help: "Total persistence operation errors by operation",
		},
		[]string{"operation"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dsentr_busy_workers",
			Help: "Workers currently executing a run",
		},
	)
)

// RecordRunClaimed increments the claim counter.
func RecordRunClaimed() { runsClaimed.Inc() }

// RecordRunCompleted increments the completion counter for a terminal status.
func RecordRunCompleted(status string) { runsCompleted.WithLabelValues(status).Inc() }

// RecordNodeExecuted increments the node execution counter.
func RecordNodeExecuted(kind, outcome string) { nodesExecuted.WithLabelValues(kind, outcome).Inc() }

// RecordEgressBlock increments the egress block counter for a rule.
func RecordEgressBlock(rule string) { egressBlocks.WithLabelValues(rule).Inc() }

// RecordWebhookRequest increments the webhook request counter.
func RecordWebhookRequest(outcome string) { webhookRequests.WithLabelValues(outcome).Inc() }

// RecordExpiredLeases adds recovered runs to the requeue counter.
func RecordExpiredLeases(count int64) { expiredLeases.Add(float64(count)) }

// RecordPersistenceError increments the persistence error counter.
func RecordPersistenceError(operation string) { persistenceErrors.WithLabelValues(operation).Inc() }

// WorkerBusy marks a worker as executing a run.
func WorkerBusy() { activeWorkers.Inc() }

// WorkerIdle marks a worker as idle.
func WorkerIdle() { activeWorkers.Dec() }
