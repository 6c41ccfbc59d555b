// Copyright 2024 The eventhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics Prometheus collectors for event delivery, labelled by hub.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections  *prometheus.GaugeVec
	delivered    *prometheus.CounterVec
	sinkFailures *prometheus.CounterVec
	buffered     *prometheus.CounterVec
}

// NewMetrics define and register the event delivery collectors
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "eventhub"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	connections, err := registerCollector(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of currently registered client streams.",
	}, []string{"hub"}))
	if err != nil {
		return nil, err
	}
	delivered, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivered_events_total",
		Help:      "Count of events handed to client streams.",
	}, []string{"hub"}))
	if err != nil {
		return nil, err
	}
	sinkFailures, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failed_sinks_total",
		Help:      "Count of client streams removed after a failed write.",
	}, []string{"hub"}))
	if err != nil {
		return nil, err
	}
	buffered, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "buffered_events_total",
		Help:      "Count of events retained in session catch-up buffers.",
	}, []string{"hub"}))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		connections:  connections,
		delivered:    delivered,
		sinkFailures: sinkFailures,
		buffered:     buffered,
	}, nil
}

// registerCollector register a collector, reusing one already registered under the same name
func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

func (m *Metrics) setConnections(hub string, count int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(hub).Set(float64(count))
}

func (m *Metrics) eventDelivered(hub string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(hub).Inc()
}

func (m *Metrics) sinkFailed(hub string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(hub).Inc()
}

func (m *Metrics) eventBuffered(hub string) {
	if m == nil {
		return
	}
	m.buffered.WithLabelValues(hub).Inc()
}
