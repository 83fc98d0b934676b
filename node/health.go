package node

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"go.pagestream.dev/core/primary"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/replica"
	"go.pagestream.dev/core/stores"
)

// Health is a point-in-time readout of a Node.
type Health struct {
	Database pb.DatabaseID `json:"database"`
	Role     Role          `json:"role"`
	// Sequence is the committed head of a primary, or the Apply Watermark
	// of a replica.
	Sequence uint64 `json:"sequence"`
	// Applied is the Apply Watermark of the Node's page store.
	Applied uint64 `json:"applied_sequence"`

	Earliest     uint64 `json:"earliest_retained,omitempty"`
	Shipped      uint64 `json:"shipped_sequence,omitempty"`
	BackupLag    uint64 `json:"backup_lag_frames,omitempty"`
	LastSnapshot uint64 `json:"last_snapshot,omitempty"`
	ShipperError string `json:"shipper_error,omitempty"`
	// ShipperHalted is true if shipping stopped upon corrupt content.
	ShipperHalted bool `json:"shipper_halted,omitempty"`

	Cursors []primary.CursorStatus `json:"cursors,omitempty"`
	Replica *replica.Status        `json:"replica,omitempty"`

	Stores   []StoreHealth `json:"stores,omitempty"`
	Restores int64         `json:"restores"`
	Error    string        `json:"error,omitempty"`
}

// StoreHealth is the health of a backup store.
type StoreHealth struct {
	Store pb.BackupStore `json:"store"`
	Error string         `json:"error,omitempty"`
}

// Health returns the current Health of the Node.
func (n *Node) Health() Health {
	var out = Health{
		Database: n.spec.Database,
		Role:     n.spec.Role,
		Sequence: n.CurrentSequence(),
		Restores: n.restores.Load(),
	}
	if wm, err := n.pages.Watermark(); err != nil {
		out.Error = err.Error()
	} else {
		out.Applied = wm
	}

	if n.log != nil {
		out.Earliest = n.log.Earliest()
		out.Shipped = n.log.ShippedSequence()
		out.Cursors = n.svc.Cursors()
	}
	if n.shipper != nil {
		out.Shipped = n.shipper.Shipped()
		out.LastSnapshot = n.shipper.LastSnapshot()
		out.ShipperHalted = n.shipper.Halted()

		if err := n.shipper.Err(); err != nil {
			out.ShipperError = err.Error()
		}
	}
	if n.log != nil && len(n.spec.Stores) != 0 && out.Sequence > out.Shipped {
		out.BackupLag = out.Sequence - out.Shipped
	}
	if c := n.client.Load(); c != nil {
		var status = c.Status()
		out.Replica = &status
	}

	for _, bs := range n.spec.Stores {
		var sh = StoreHealth{Store: bs}

		if as, err := stores.Get(bs); err != nil {
			sh.Error = err.Error()
		} else if _, err = as.HealthStatus(); err != nil {
			sh.Error = err.Error()
		}
		out.Stores = append(out.Stores, sh)
	}
	return out
}

// Registry indexes the Nodes of a process, and serves their Health:
//
//	GET /debug/pagestream
//	GET /debug/pagestream/{db}
type Registry struct {
	mu    sync.RWMutex
	nodes map[pb.DatabaseID]*Node
	http  *http.ServeMux
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	var r = &Registry{nodes: make(map[pb.DatabaseID]*Node)}

	r.http = http.NewServeMux()
	r.http.HandleFunc("GET /debug/pagestream", r.serveAll)
	r.http.HandleFunc("GET /debug/pagestream/{db}", r.serveOne)
	return r
}

// Add the Node to the Registry.
func (r *Registry) Add(n *Node) {
	r.mu.Lock()
	r.nodes[n.spec.Database] = n
	r.mu.Unlock()
}

// Remove the Node of the database.
func (r *Registry) Remove(db pb.DatabaseID) {
	r.mu.Lock()
	delete(r.nodes, db)
	r.mu.Unlock()
}

// Lookup the Node of the database.
func (r *Registry) Lookup(db pb.DatabaseID) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n, ok = r.nodes[db]
	return n, ok
}

// Nodes returns registered Nodes, ordered on database.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	var out = make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].spec.Database < out[j].spec.Database })
	return out
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.http.ServeHTTP(w, req)
}

func (r *Registry) serveAll(w http.ResponseWriter, _ *http.Request) {
	var out = []Health{}
	for _, n := range r.Nodes() {
		out = append(out, n.Health())
	}
	writeJSON(w, out)
}

func (r *Registry) serveOne(w http.ResponseWriter, req *http.Request) {
	var db = pb.DatabaseID(req.PathValue("db"))

	if err := db.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
	} else if n, ok := r.Lookup(db); !ok {
		http.Error(w, "database not found", http.StatusNotFound)
	} else {
		writeJSON(w, n.Health())
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	var enc = json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
