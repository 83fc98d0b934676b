package node

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"go.pagestream.dev/core/backup"
	"go.pagestream.dev/core/primary"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/replica"
	"gopkg.in/yaml.v2"
)

// Role of a Node.
type Role string

const (
	// RolePrimary Nodes own the Frame Log of their database.
	RolePrimary Role = "primary"
	// RoleReplica Nodes replicate the database from its primary.
	RoleReplica Role = "replica"
)

// DatabaseSpec describes a database served by a Node.
type DatabaseSpec struct {
	// Database served by the Node.
	Database pb.DatabaseID `yaml:"database"`
	// Role of the Node.
	Role Role `yaml:"role"`
	// Directory holding the Node's Frame Log and page stores.
	Directory string `yaml:"directory"`
	// PageSize of the database.
	PageSize int `yaml:"page_size"`
	// SegmentBytes at which Frame Log segments roll.
	SegmentBytes int64 `yaml:"segment_bytes"`
	// Stores to which backups are shipped, and from which the database is
	// restored, in preference order. If empty, the database isn't backed up.
	Stores []pb.BackupStore `yaml:"stores"`
	// Backup configures the backup Shipper of a primary.
	Backup BackupSpec `yaml:"backup"`
	// Replication configures the replication Service of a primary.
	Replication primary.Config `yaml:"replication"`
	// Replica configures the replication Client of a replica.
	Replica ReplicaSpec `yaml:"replica"`
	// RetainFrames is the number of frames behind the committed head which
	// a primary retains in its Frame Log, for the benefit of replicas.
	// Frames are never removed before they're shipped. Zero retains all frames.
	RetainFrames uint64 `yaml:"retain_frames"`
	// RetentionInterval is the interval between Frame Log retention passes.
	RetentionInterval time.Duration `yaml:"retention_interval"`
	// ShutdownTimeout bounds the graceful shutdown of a primary, during which
	// replicas are drained and remaining frames shipped.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BackupSpec configures the backup Shipper of a primary.
type BackupSpec struct {
	Codec               string        `yaml:"codec"`
	MaxBatchFrames      int           `yaml:"max_batch_frames"`
	MaxBatchBytes       int64         `yaml:"max_batch_bytes"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
	SnapshotEveryFrames uint64        `yaml:"snapshot_every_frames"`
	SnapshotInterval    time.Duration `yaml:"snapshot_interval"`
	KeepSnapshots       int           `yaml:"keep_snapshots"`
}

// ReplicaSpec configures the replication Client of a replica.
type ReplicaSpec struct {
	// Primary is a static Endpoint of the primary. It may be omitted if the
	// Node is provided with a discovery Resolver.
	Primary pb.Endpoint         `yaml:"primary"`
	Retry   replica.RetryPolicy `yaml:"retry"`
}

// ApplyDefaults fills zero-valued fields of the DatabaseSpec with defaults.
func (s *DatabaseSpec) ApplyDefaults() {
	var defaultInt = func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}
	var defaultDuration = func(v *time.Duration, d time.Duration) {
		if *v == 0 {
			*v = d
		}
	}
	defaultInt(&s.PageSize, 4096)
	defaultInt(&s.Backup.MaxBatchFrames, 1024)
	defaultInt(&s.Backup.KeepSnapshots, 2)
	defaultDuration(&s.Backup.FlushInterval, time.Second)
	defaultDuration(&s.Backup.SnapshotInterval, time.Hour)
	defaultDuration(&s.RetentionInterval, time.Minute)
	defaultDuration(&s.ShutdownTimeout, 30*time.Second)

	if s.SegmentBytes == 0 {
		s.SegmentBytes = 64 << 20
	}
	if s.Backup.Codec == "" {
		s.Backup.Codec = "snappy"
	}
	if s.Backup.MaxBatchBytes == 0 {
		s.Backup.MaxBatchBytes = 4 << 20
	}
	if s.Backup.SnapshotEveryFrames == 0 {
		s.Backup.SnapshotEveryFrames = 100000
	}
	if s.Replica.Retry == (replica.RetryPolicy{}) {
		s.Replica.Retry = replica.DefaultRetryPolicy
	}
}

// Validate returns an error if the DatabaseSpec is not well-formed.
func (s *DatabaseSpec) Validate() error {
	if err := s.Database.Validate(); err != nil {
		return pb.ExtendContext(err, "Database")
	} else if s.Role != RolePrimary && s.Role != RoleReplica {
		return pb.NewValidationError("invalid Role (%q; expected %q or %q)", s.Role, RolePrimary, RoleReplica)
	} else if s.Directory == "" {
		return pb.NewValidationError("expected Directory")
	} else if s.PageSize <= 0 {
		return pb.NewValidationError("invalid PageSize (%d; expected > 0)", s.PageSize)
	} else if s.SegmentBytes <= 0 {
		return pb.NewValidationError("invalid SegmentBytes (%d; expected > 0)", s.SegmentBytes)
	} else if s.RetentionInterval <= 0 {
		return pb.NewValidationError("invalid RetentionInterval (%s; expected > 0)", s.RetentionInterval)
	}
	for i, bs := range s.Stores {
		if err := bs.Validate(); err != nil {
			return pb.ExtendContext(err, "Stores[%d]", i)
		}
	}
	if s.Role == RolePrimary && len(s.Stores) != 0 {
		if cfg, err := s.shipperConfig(); err != nil {
			return pb.ExtendContext(err, "Backup")
		} else if err = cfg.Validate(); err != nil {
			return pb.ExtendContext(err, "Backup")
		}
	}
	if s.Replica.Primary != "" {
		if err := s.Replica.Primary.Validate(); err != nil {
			return pb.ExtendContext(err, "Replica.Primary")
		}
	}
	if err := s.Replica.Retry.Validate(); err != nil {
		return pb.ExtendContext(err, "Replica.Retry")
	}
	return nil
}

func (s *DatabaseSpec) shipperConfig() (backup.ShipperConfig, error) {
	var codec, err = pb.ParseCompressionCodec(s.Backup.Codec)
	if err != nil {
		return backup.ShipperConfig{}, pb.ExtendContext(err, "Codec")
	}
	return backup.ShipperConfig{
		Database:            s.Database,
		Stores:              s.Stores,
		Codec:               codec,
		MaxBatchFrames:      s.Backup.MaxBatchFrames,
		MaxBatchBytes:       s.Backup.MaxBatchBytes,
		FlushInterval:       s.Backup.FlushInterval,
		SnapshotEveryFrames: s.Backup.SnapshotEveryFrames,
		SnapshotInterval:    s.Backup.SnapshotInterval,
		KeepSnapshots:       s.Backup.KeepSnapshots,
	}, nil
}

// LoadSpecs decodes a YAML document of DatabaseSpecs, as:
//
//	databases:
//	  - database: accounts
//	    role: primary
//	    directory: /var/lib/pagestream/accounts
//	    stores: ["s3://bucket/backups/"]
//
// Defaults are applied to each DatabaseSpec, which must then Validate.
func LoadSpecs(r io.Reader) ([]DatabaseSpec, error) {
	var doc struct {
		Databases []DatabaseSpec `yaml:"databases"`
	}
	var dec = yaml.NewDecoder(r)
	dec.SetStrict(true)

	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, errors.WithMessage(err, "decoding database specs")
	}

	var seen = make(map[pb.DatabaseID]struct{})
	for i := range doc.Databases {
		var spec = &doc.Databases[i]
		spec.ApplyDefaults()

		if err := spec.Validate(); err != nil {
			return nil, pb.ExtendContext(err, "Databases[%d]", i)
		} else if _, ok := seen[spec.Database]; ok {
			return nil, pb.NewValidationError("Databases[%d]: duplicate database %s", i, spec.Database)
		}
		seen[spec.Database] = struct{}{}
	}
	return doc.Databases, nil
}
