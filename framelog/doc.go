// Package framelog implements the Frame Log of a database, stored as a
// sequence of local segment files.
//
// A Log holds the retained window of frames, [Earliest, Committed]. Frames
// are appended through the Log's single Writer, which assigns gap-free
// sequence numbers, checksums each frame, and syncs it to disk. Frames of a
// transaction become visible to readers only once the transaction's final,
// commit-flagged frame is durable, and a failed append rolls back every
// frame of its transaction.
//
// Readers iterate from any retained sequence through the committed head,
// and may block on Changed or AwaitCommitted for further commits. The
// prefix of the log is removed by RetainFrom, which never removes frames
// beyond the durable shipped marker maintained by the backup shipper.
//
// Segment files are named by their first sequence, zero-padded to twenty
// decimal digits, and hold frames in the fixed framing of package protocol.
// A transaction never spans segments. On Open, a torn tail and any frames
// following the last commit of the final segment are truncated.
package framelog

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrWriterTaken is returned by Log.Writer if the Writer was already taken.
	ErrWriterTaken = errors.New("log writer already taken")
	// ErrClosed is returned by operations of a closed Log.
	ErrClosed = errors.New("log is closed")
)

var (
	appendedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_log_appended_frames_total",
		Help: "Cumulative number of frames appended to the log.",
	}, []string{"database"})
	appendedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_log_appended_bytes_total",
		Help: "Cumulative number of framed bytes appended to the log.",
	}, []string{"database"})
	appendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_log_append_failures_total",
		Help: "Cumulative number of appends which failed and were rolled back.",
	}, []string{"database"})
	appendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagestream_log_append_duration_seconds",
		Help:    "Duration of appends, including sync, in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"database"})
	committedSequenceGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagestream_log_committed_sequence",
		Help: "Committed head sequence of the log.",
	}, []string{"database"})
	earliestSequenceGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagestream_log_earliest_sequence",
		Help: "Earliest retained sequence of the log.",
	}, []string{"database"})
	removedSegmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_log_removed_segments_total",
		Help: "Cumulative number of segments removed by retention.",
	}, []string{"database"})
)
