// Package replica implements the Replica Replication Client, which streams
// committed frames of a database from its primary and applies them to a
// local pagestore.Store.
//
// A Client moves through states Disconnected, Connecting, CatchingUp and
// Live. It requests frames beginning just after its Apply Watermark, buffers
// frames until a commit frame arrives, and then applies the transaction
// and advances the watermark atomically before acknowledging it to the
// primary. Duplicate frames are discarded. A gap in the stream drops the
// connection, which is then resumed from the watermark. Broken connections
// are retried per a RetryPolicy without limit. If the primary no longer
// retains the frames the Client requires, the Client enters the terminal
// Restoring state and its owner must restore from backup.
package replica

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appliedSequenceGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagestream_replica_applied_sequence",
		Help: "Apply watermark of the replica.",
	}, []string{"database"})
	lagFramesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagestream_replica_lag_frames",
		Help: "Number of frames by which the replica trails the primary's committed head.",
	}, []string{"database"})
	appliedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_replica_applied_frames_total",
		Help: "Cumulative number of frames applied by the replica.",
	}, []string{"database"})
	appliedTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_replica_applied_transactions_total",
		Help: "Cumulative number of transactions applied by the replica.",
	}, []string{"database"})
	duplicateFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_replica_duplicate_frames_total",
		Help: "Cumulative number of duplicate frames discarded by the replica.",
	}, []string{"database"})
	streamFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_replica_stream_failures_total",
		Help: "Cumulative number of replication streams which failed and were retried.",
	}, []string{"database"})
)
