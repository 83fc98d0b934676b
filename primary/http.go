package primary

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/schema"
	log "github.com/sirupsen/logrus"
	pb "go.pagestream.dev/core/protocol"
)

// FramesQuery is the query of an HTTP frames request.
type FramesQuery struct {
	// NextOffset is the next sequence required by the replica.
	NextOffset uint64 `schema:"next_offset,required"`
	// MaxFrames optionally bounds the number of returned frames.
	MaxFrames int `schema:"max_frames"`
}

// Validate returns an error if the FramesQuery is not well-formed.
func (q *FramesQuery) Validate() error {
	if q.NextOffset == 0 {
		return pb.NewValidationError("invalid next_offset (0; expected > 0)")
	} else if q.MaxFrames < 0 || q.MaxFrames > MaxPullFrames {
		return pb.NewValidationError("invalid max_frames (%d; expected 0 <= max_frames <= %d)",
			q.MaxFrames, MaxPullFrames)
	}
	return nil
}

// MaxPullFrames is the largest number of frames returned by an HTTP frames request.
const MaxPullFrames = 256

// CommittedHeader is the HTTP response header holding the committed head
// of a frames response.
const CommittedHeader = "Pagestream-Committed"

// ServeHTTP serves the HTTP pull API:
//
//	GET /v1/replication/{db}/hello
//	GET|POST /v1/replication/{db}/frames?next_offset=N[&max_frames=M]
//
// Hello returns the JSON Header of the database. Frames returns up to
// MaxPullFrames framed frames beginning at next_offset (status 200), no
// content if no frames are available (204), or a conflict if next_offset
// precedes the retained window (409).
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.http.ServeHTTP(w, r)
}

func (m *Mux) httpMux() *http.ServeMux {
	var mux = http.NewServeMux()
	mux.HandleFunc("GET /v1/replication/{db}/hello", m.serveHello)
	mux.HandleFunc("GET /v1/replication/{db}/frames", m.serveFrames)
	mux.HandleFunc("POST /v1/replication/{db}/frames", m.serveFrames)
	return mux
}

func (m *Mux) lookupHTTP(w http.ResponseWriter, r *http.Request) (*Service, bool) {
	var db = pb.DatabaseID(r.PathValue("db"))

	if err := db.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	} else if svc, ok := m.Lookup(db); !ok {
		http.Error(w, "database not found", http.StatusNotFound)
		return nil, false
	} else {
		return svc, true
	}
}

func (m *Mux) serveHello(w http.ResponseWriter, r *http.Request) {
	var svc, ok = m.lookupHTTP(w, r)
	if !ok {
		return
	}
	var hdr = svc.Header()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&hdr); err != nil {
		log.WithField("err", err).Warn("failed to write hello response")
	}
}

func (m *Mux) serveFrames(w http.ResponseWriter, r *http.Request) {
	var err error
	defer instrumentStream("http", &err)()

	var svc, ok = m.lookupHTTP(w, r)
	if !ok {
		return
	}

	var query FramesQuery
	if err = r.ParseForm(); err == nil {
		err = schemaDecoder.Decode(&query, r.Form)
	}
	if err == nil {
		err = query.Validate()
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if query.MaxFrames == 0 {
		query.MaxFrames = MaxPullFrames
	}

	frames, committed, err := svc.Pull(query.NextOffset, query.MaxFrames)
	w.Header().Set(CommittedHeader, strconv.FormatUint(committed, 10))

	// Frames before the retained window aren't served from a snapshot.
	// Pullers restore from backup stores instead, as stream replicas do.
	if errors.Is(err, pb.ErrTooFarBehind) {
		http.Error(w, err.Error(), http.StatusConflict)
		err = nil
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if len(frames) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var body []byte
	for i := range frames {
		body = pb.AppendFramed(body, &frames[i])
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))

	if _, err = w.Write(body); err != nil {
		log.WithField("err", err).Warn("failed to write frames response")
	}
}

var schemaDecoder = func() *schema.Decoder {
	var d = schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()
