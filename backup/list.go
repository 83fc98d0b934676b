package backup

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/stores"
)

// Object is a backup object listed from a store.
type Object struct {
	Store    pb.BackupStore
	Key      string
	Kind     Kind
	Sequence uint64 // First sequence of a batch, or the snapshot sequence.
	ModTime  time.Time
}

// Objects are backup objects of a database.
type Objects []Object

// ListObjects lists the backup objects of |database| across |bss|. If an
// object key is present in multiple stores, the earliest store wins.
// Returned Objects are ordered on Kind (batches first) and then Sequence.
func ListObjects(ctx context.Context, database pb.DatabaseID, bss ...pb.BackupStore) (Objects, error) {
	var out Objects
	var seen = make(map[string]struct{})
	var prefix = database.String() + "/"

	for _, bs := range bss {
		var store, err = stores.Get(bs)
		if err != nil {
			return nil, errors.WithMessagef(err, "store %s", bs)
		}
		if err = store.List(ctx, prefix, func(path string, modTime time.Time) error {
			var kind, seq, ok = ParseKey(path)
			if !ok {
				return nil
			} else if _, ok = seen[path]; ok {
				return nil
			}
			seen[path] = struct{}{}

			out = append(out, Object{
				Store:    bs,
				Key:      prefix + path,
				Kind:     kind,
				Sequence: seq,
				ModTime:  modTime,
			})
			return nil
		}); err != nil {
			return nil, errors.WithMessagef(err, "listing %s", bs)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// Batches returns the batch Objects, ordered on Sequence.
func (o Objects) Batches() Objects { return o.filter(KindBatch) }

// Snapshots returns the snapshot Objects, ordered on Sequence.
func (o Objects) Snapshots() Objects { return o.filter(KindSnapshot) }

func (o Objects) filter(kind Kind) Objects {
	var out Objects
	for _, obj := range o {
		if obj.Kind == kind {
			out = append(out, obj)
		}
	}
	return out
}

// fetchObject retrieves and decodes the Object.
func fetchObject(ctx context.Context, obj Object) (Header, []pb.Frame, error) {
	var store, err = stores.Get(obj.Store)
	if err != nil {
		return Header{}, nil, err
	}
	rc, err := store.Get(ctx, obj.Key)
	if err != nil {
		return Header{}, nil, errors.WithMessagef(err, "fetching %s", obj.Key)
	}
	defer rc.Close()

	hdr, frames, err := DecodeObject(rc)
	if err != nil {
		return hdr, nil, errors.WithMessagef(err, "decoding %s", obj.Key)
	} else if hdr.Kind != obj.Kind {
		return hdr, nil, errors.WithMessagef(ErrMalformedObject,
			"%s has kind %s (expected %s)", obj.Key, hdr.Kind, obj.Kind)
	} else if (hdr.Kind == KindBatch && hdr.First != obj.Sequence) ||
		(hdr.Kind == KindSnapshot && hdr.Last != obj.Sequence) {
		return hdr, nil, errors.WithMessagef(ErrMalformedObject,
			"%s has range [%d, %d] which doesn't match its key", obj.Key, hdr.First, hdr.Last)
	}
	return hdr, frames, nil
}
