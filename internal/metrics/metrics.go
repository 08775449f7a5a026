// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exports Modbus request and connection counters to
// Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ffutop/modbus-node/modbus"
)

// Metrics implements tcp.Recorder and tcp.ConnObserver on a private
// registry.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	exceptions  *prometheus.CounterVec
	closed      *prometheus.CounterVec
	connsActive prometheus.Gauge
	connsTotal  prometheus.Counter
}

// New creates and registers the node metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_requests_total",
			Help: "Modbus requests received, by function code.",
		}, []string{"function"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_exceptions_total",
			Help: "Modbus exception responses sent, by function and exception code.",
		}, []string{"function", "code"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_closed_total",
			Help: "Connections closed by the request processor, by reason.",
		}, []string{"reason"}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modbus_connections_active",
			Help: "Open Modbus TCP connections.",
		}),
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modbus_connections_total",
			Help: "Accepted Modbus TCP connections.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.exceptions,
		m.closed,
		m.connsActive,
		m.connsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the node metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Request(fc modbus.FunctionCode) {
	m.requests.WithLabelValues(functionLabel(fc)).Inc()
}

func (m *Metrics) Exception(fc modbus.FunctionCode, code modbus.ExceptionCode) {
	m.exceptions.WithLabelValues(functionLabel(fc), code.String()).Inc()
}

func (m *Metrics) Closed(reason string) {
	m.closed.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnOpened() {
	m.connsActive.Inc()
	m.connsTotal.Inc()
}

func (m *Metrics) ConnClosed() {
	m.connsActive.Dec()
}

// Unsupported function codes share one label so a scanning peer cannot
// grow the series count.
func functionLabel(fc modbus.FunctionCode) string {
	if !fc.Supported() {
		return "other"
	}
	return fc.String()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on address until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return m.serve(ctx, listener)
}

func (m *Metrics) serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics server listening", "addr", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
