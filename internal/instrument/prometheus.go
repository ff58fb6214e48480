// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes node and relay metrics to prometheus.
package instrument

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	links = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_links_total",
			Help: "Number of links established",
		},
		[]string{"direction"},
	)
	circuitsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_circuits_open",
			Help: "Number of open circuits",
		},
	)
	relayRegistrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_relay_registrations_total",
			Help: "Number of forwarding names registered",
		},
	)
	envelopesForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_relay_envelopes_forwarded_total",
			Help: "Number of envelopes forwarded by the relay",
		},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_handshakes_total",
			Help: "Number of secure channel handshakes",
		},
		[]string{"role", "result"},
	)
	policyDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_policy_denials_total",
			Help: "Number of portal requests denied by policy",
		},
	)
	portalsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_portals_active",
			Help: "Number of active portals",
		},
	)
	portalBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_bytes_total",
			Help: "Number of application bytes carried by portals",
		},
		[]string{"direction"},
	)

	initOnce sync.Once
)

// Init registers the metrics with the default prometheus registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			links,
			circuitsOpen,
			relayRegistrations,
			envelopesForwarded,
			handshakes,
			policyDenials,
			portalsActive,
			portalBytes,
		)
	})
}

// Serve exposes the registered metrics over HTTP on addr.
func Serve(addr string) (*http.Server, error) {
	Init()

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Close()
		}
	}()
	return srv, nil
}

// LinkIn counts an accepted link.
func LinkIn() {
	links.With(prometheus.Labels{"direction": "inbound"}).Inc()
}

// LinkOut counts a dialed link.
func LinkOut() {
	links.With(prometheus.Labels{"direction": "outbound"}).Inc()
}

// CircuitOpened tracks a new circuit.
func CircuitOpened() {
	circuitsOpen.Inc()
}

// CircuitClosed tracks a circuit teardown.
func CircuitClosed() {
	circuitsOpen.Dec()
}

// RelayRegistration counts a forwarding name registration.
func RelayRegistration() {
	relayRegistrations.Inc()
}

// EnvelopeForwarded counts an envelope forwarded by a relay.
func EnvelopeForwarded() {
	envelopesForwarded.Inc()
}

// Handshake counts a completed handshake attempt.
func Handshake(isInitiator bool, err error) {
	role := "responder"
	if isInitiator {
		role = "initiator"
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	handshakes.With(prometheus.Labels{"role": role, "result": result}).Inc()
}

// PolicyDenied counts a portal request rejected by policy.
func PolicyDenied() {
	policyDenials.Inc()
}

// PortalOpened tracks a new portal.
func PortalOpened() {
	portalsActive.Inc()
}

// PortalClosed tracks a portal teardown.
func PortalClosed() {
	portalsActive.Dec()
}

// BytesIn counts bytes read from the local side of a portal.
func BytesIn(n int) {
	portalBytes.With(prometheus.Labels{"direction": "in"}).Add(float64(n))
}

// BytesOut counts bytes written to the local side of a portal.
func BytesOut(n int) {
	portalBytes.With(prometheus.Labels{"direction": "out"}).Add(float64(n))
}
