// Package metrics defines prometheus metric types for the ipset/nftables
// gateway and provides convenience methods to add accounting to the
// probe/stage/flush hot path.
//
// When defining new operations or metrics, these are helpful values to
// track:
//  - things coming into or going out of the system: probes, staged
//    addresses, flushes.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TestTotal counts Test calls, by family and outcome ("member"/"absent").
	//
	// Provides metrics:
	//   ipsetgate_test_total
	TestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipsetgate_test_total",
			Help: "The total number of membership probes, by family and result.",
		}, []string{"family", "result"})

	// StageTotal counts addresses queued for insertion, by family.
	//
	// Provides metrics:
	//   ipsetgate_stage_total
	StageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipsetgate_stage_total",
			Help: "The total number of addresses staged for insertion, by family.",
		}, []string{"family"})

	// FlushTotal counts Flush invocations that sent at least one message. A
	// Flush with nothing pending, or whose first send fails, is not counted.
	//
	// Provides metrics:
	//   ipsetgate_flush_total
	FlushTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ipsetgate_flush_total",
			Help: "The total number of Flush calls that sent at least one message.",
		})

	// ErrorCount measures the number of errors encountered on the netlink
	// control-plane socket, by kind ("send", "recv", "kernel").
	//
	// Provides metrics:
	//   ipsetgate_error_total
	// Example usage:
	//   metrics.ErrorCount.WithLabelValues("kernel").Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipsetgate_error_total",
			Help: "The total number of errors encountered, by kind.",
		}, []string{"type"})

	// SyscallTimeHistogram tracks sendmmsg/recvmmsg latency, by syscall name.
	SyscallTimeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ipsetgate_syscall_time_histogram",
			Help: "netlink syscall latency distribution (seconds), by syscall.",
			Buckets: []float64{
				0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
				0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
			},
		},
		[]string{"syscall"})

	// FlushBatchSizeHistogram tracks how many addresses were pending when a
	// Flush call began, by family (addresses the nftables probe phase then
	// finds already present are included).
	FlushBatchSizeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ipsetgate_flush_batch_size_histogram",
			Help:    "number of addresses pending per Flush call, by family.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0..10, matching gateway.MaxBatch
		},
		[]string{"family"})
)

// init prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the
// exact time this occurs (and whether it occurs at all in a given context)
// can be opaque.
func init() {
	log.Println("Prometheus metrics in ipset-gateway.metrics are registered.")
}
