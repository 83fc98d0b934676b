// Package primary implements the Primary Replication Service, which streams
// committed frames of a database's Frame Log to replicas.
//
// Each replica stream is served by a cursor. The cursor validates the
// replica's requested sequence against the retained window of the Log, and
// then runs a reader which fills a bounded queue of frames from the Log,
// and a sender which drains the queue to the replica. A full queue pauses
// the reader of that cursor only. Cursors wait on the Log's commit
// notifications independently, and never hold a lock of the Log while
// reading.
//
// A Mux routes streams of a multi-database process to the Service of each
// database, and additionally serves an HTTP pull API for replicas which
// can't use gRPC streams.
package primary

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedCursorsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagestream_primary_connected_cursors",
		Help: "Number of replica cursors currently streaming.",
	}, []string{"database"})
	sentFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_primary_sent_frames_total",
		Help: "Cumulative number of frames sent to replicas.",
	}, []string{"database"})
	cursorsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_primary_cursors_closed_total",
		Help: "Cumulative number of cursors closed, by reason.",
	}, []string{"database", "reason"})
	streamsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_primary_streams_started_total",
		Help: "Cumulative number of replication streams started.",
	}, []string{"transport"})
	streamsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_primary_streams_completed_total",
		Help: "Cumulative number of replication streams completed, by status.",
	}, []string{"transport", "status"})
)
