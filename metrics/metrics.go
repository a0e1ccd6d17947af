// Package metrics provides Prometheus metrics for the session manager.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/session"
)

const namespace = "warden"

var states = []core.State{
	core.StateUnknown,
	core.StateAuthenticated,
	core.StateUnauthenticated,
	core.StateExpired,
}

// Collector records session metrics. It implements session.Recorder.
type Collector struct {
	// RenewalsTotal counts renewal attempts by result.
	RenewalsTotal *prometheus.CounterVec

	// ExpirationsTotal counts processed session expirations by reason.
	ExpirationsTotal *prometheus.CounterVec

	// RejectedResponsesTotal counts 401/403 answers to authenticated requests.
	RejectedResponsesTotal *prometheus.CounterVec

	// StateGauge is 1 for the current session state and 0 for all others.
	StateGauge *prometheus.GaugeVec

	// TransitionsTotal counts state changes by target state.
	TransitionsTotal *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them on reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		RenewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "renewal",
				Name:      "attempts_total",
				Help:      "Total number of credential renewal attempts",
			},
			[]string{"result"},
		),
		ExpirationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "expirations_total",
				Help:      "Total number of processed session expirations",
			},
			[]string{"reason"},
		),
		RejectedResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "interceptor",
				Name:      "rejected_responses_total",
				Help:      "Total number of authenticated requests answered with 401 or 403",
			},
			[]string{"status"},
		),
		StateGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "state",
				Help:      "Current session state (1=current, 0=other)",
			},
			[]string{"state"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Total number of session state changes by target state",
			},
			[]string{"state"},
		),
	}

	if reg != nil {
		for _, collector := range []prometheus.Collector{
			c.RenewalsTotal,
			c.ExpirationsTotal,
			c.RejectedResponsesTotal,
			c.StateGauge,
			c.TransitionsTotal,
		} {
			if err := reg.Register(collector); err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
		}
	}

	c.setState(core.StateUnknown)
	return c, nil
}

// RenewalAttempt implements session.Recorder
func (c *Collector) RenewalAttempt(result string) {
	c.RenewalsTotal.WithLabelValues(result).Inc()
}

// Expired implements session.Recorder
func (c *Collector) Expired(reason string) {
	c.ExpirationsTotal.WithLabelValues(reason).Inc()
}

// RejectedResponse implements session.Recorder
func (c *Collector) RejectedResponse(status int) {
	c.RejectedResponsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// StateChanged implements session.Recorder
func (c *Collector) StateChanged(state core.State) {
	c.TransitionsTotal.WithLabelValues(state.String()).Inc()
	c.setState(state)
}

func (c *Collector) setState(current core.State) {
	for _, s := range states {
		value := 0.0
		if s == current {
			value = 1
		}
		c.StateGauge.WithLabelValues(s.String()).Set(value)
	}
}

var _ session.Recorder = (*Collector)(nil)
