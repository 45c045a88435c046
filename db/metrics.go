package db

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/core"
)

// MustRegisterMetrics registers the engine metrics on registry. It panics
// when metrics with the same names are already registered.
func MustRegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(operationCounter, operationDuration, changesRecorded, changesRolledBack, errorCounter)
}

func sampleOperation(operation string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	operationDuration.With(prometheus.Labels{"operation": operation}).Observe(elapsed.Seconds())
}

func sampleError(err error) {
	errorCounter.With(prometheus.Labels{"kind": ErrorKind(err)}).Inc()
}

// ErrorKind names the category of a run error the way CATCH arms do:
// ParseError, ResolveError, CompileError, RollbackError or a backend kind.
func ErrorKind(err error) string {
	var (
		parseErr    *core.ParseError
		resolveErr  *core.ResolveError
		compileErr  *core.CompileError
		rollbackErr *core.RollbackError
	)
	switch {
	case errors.As(err, &parseErr):
		return "ParseError"
	case errors.As(err, &compileErr):
		return "CompileError"
	case errors.As(err, &resolveErr):
		return "ResolveError"
	case errors.As(err, &rollbackErr):
		return "RollbackError"
	}
	if kind, ok := backend.KindOf(err); ok {
		return kind.String()
	}
	return "Error"
}

var (
	operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotdata_operations_total",
			Help: "Count of executed script operations",
		},
		[]string{"operation", "status"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dotdata_operation_duration_seconds",
			Help:    "Duration of executed script operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"operation"},
	)
	changesRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dotdata_changes_recorded_total",
			Help: "Count of change records written to run ledgers",
		},
	)
	changesRolledBack = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dotdata_changes_rolled_back_total",
			Help: "Count of change records undone by rollbacks",
		},
	)
	errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotdata_errors_total",
			Help: "Count of run errors by kind",
		},
		[]string{"kind"},
	)
)
