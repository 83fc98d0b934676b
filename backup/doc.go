// Package backup ships the committed frames of a Frame Log to remote object
// stores, and restores database state from them.
//
// A Shipper tails the Log independently of its writer. It batches committed
// frames into immutable objects keyed by their first sequence, uploads them,
// and then advances the Log's durable shipped marker so that the Log may be
// truncated. The Shipper also folds each shipped batch into a page store of
// snapshot state, from which it periodically writes snapshot objects holding
// the latest frame of every page. Older snapshots, and batches wholly covered
// by the oldest retained snapshot, are pruned.
//
// Restore locates the latest snapshot and applies it, followed by every
// later batch in sequence order.
package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lagFramesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagestream_backup_lag_frames",
		Help: "Number of committed frames not yet shipped to remote storage.",
	}, []string{"database"})
	shippedSequenceGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagestream_backup_shipped_sequence",
		Help: "Sequence through which frames have been shipped to remote storage.",
	}, []string{"database"})
	haltedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagestream_backup_shipper_halted",
		Help: "1 if the Shipper stopped upon corrupt or malformed content, else 0.",
	}, []string{"database"})
	uploadedObjectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_backup_uploaded_objects_total",
		Help: "Cumulative number of backup objects uploaded.",
	}, []string{"database", "kind"})
	uploadedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_backup_uploaded_bytes_total",
		Help: "Cumulative number of (compressed) backup object bytes uploaded.",
	}, []string{"database", "kind"})
	uploadFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_backup_upload_failures_total",
		Help: "Cumulative number of failed backup object uploads.",
	}, []string{"database", "kind"})
	snapshotsVerifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_backup_snapshots_verified_total",
		Help: "Cumulative number of snapshots uploaded and verified.",
	}, []string{"database"})
	prunedObjectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_backup_pruned_objects_total",
		Help: "Cumulative number of backup objects pruned.",
	}, []string{"database", "kind"})
	restoredFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_restore_frames_total",
		Help: "Cumulative number of frames applied by restores.",
	}, []string{"database"})
)
