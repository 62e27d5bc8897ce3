// Copyright 2015 Matthew Holt and The Caddy Authors
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

// Package metrics registers the Prometheus collectors for the TLS
// session core, following the same promauto init()-time registration
// pattern the teacher's root metrics.go uses for its admin API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tlsreactor"

var (
	HandshakesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "handshake",
		Name:      "started_total",
		Help:      "Count of TLS handshakes begun.",
	})

	HandshakesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "handshake",
		Name:      "completed_total",
		Help:      "Count of TLS handshakes that reached FINISHED.",
	})

	HandshakesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "handshake",
		Name:      "failed_total",
		Help:      "Count of TLS handshakes that failed, by reason.",
	}, []string{"reason"})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "closed_total",
		Help:      "Count of sessions torn down, by close reason.",
	}, []string{"reason"})

	DelegatedTasksOffloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "handshake",
		Name:      "delegated_tasks_total",
		Help:      "Count of delegated tasks submitted to the executor.",
	})

	BytesWrapped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "io",
		Name:      "bytes_wrapped_total",
		Help:      "Plaintext bytes wrapped into ciphertext.",
	})

	BytesUnwrapped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "io",
		Name:      "bytes_unwrapped_total",
		Help:      "Plaintext bytes produced by unwrapping ciphertext.",
	})
)
