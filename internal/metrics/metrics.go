// Package metrics exposes Prometheus instrumentation for the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InstanceStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qudata_agent_instance_status",
		Help: "Current instance status as an enum (0=none,1=pending,2=running,3=paused,4=rebooting,5=error,6=destroyed).",
	})
	SelfDestructsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qudata_agent_self_destructs_total",
		Help: "Total number of self-destruct sequences run, by trigger reason.",
	}, []string{"reason"})
	AuthDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qudata_agent_auth_decisions_total",
		Help: "Total number of authorization-broker decisions, by outcome.",
	}, []string{"allow"})
	HeartbeatAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qudata_agent_heartbeat_age_seconds",
		Help: "Seconds since the Guardian last received a pulse from the Agent.",
	})
	PulsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qudata_agent_pulses_total",
		Help: "Total number of heartbeat pulses sent by the Agent.",
	})
	RespawnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qudata_agent_respawns_total",
		Help: "Total number of times the Launcher respawned a dead Agent.",
	})
	ControllerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qudata_agent_controller_requests_total",
		Help: "Total number of outbound controller requests, by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})
	InstanceOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qudata_agent_instance_operation_duration_seconds",
		Help:    "Duration of instance lifecycle operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)
