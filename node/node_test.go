package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.pagestream.dev/core/backup"
	"go.pagestream.dev/core/framelog"
	"go.pagestream.dev/core/pagestore"
	"go.pagestream.dev/core/primary"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/replica"
	"go.pagestream.dev/core/stores"
	"google.golang.org/grpc"
)

func TestPrimaryAppliesAndShipsOnShutdown(t *testing.T) {
	var env = newTestEnv(t)
	var spec = env.primarySpec("memory://node-ships/", "/primary")

	var n = env.open(t, spec)
	var w, err = n.Writer()
	require.NoError(t, err)

	commit(t, w, 3)
	commit(t, w, 2)

	// Committed transactions are applied before Append returns.
	require.Equal(t, uint64(5), n.CurrentSequence())
	wm, err := n.AppliedWatermark()
	require.NoError(t, err)
	require.Equal(t, uint64(5), wm)

	// Uncommitted frames are not.
	_, err = w.Append(context.Background(), testPages(5, 1), false)
	require.NoError(t, err)
	require.Equal(t, 1, w.Pending())
	require.NoError(t, w.Rollback())

	_, err = n.Writer()
	require.ErrorIs(t, err, framelog.ErrWriterTaken)

	var ctx, cancel = context.WithCancel(context.Background())
	var errCh = make(chan error, 1)
	go func() { errCh <- n.Serve(ctx) }()

	commit(t, w, 4)
	cancel()

	// Graceful shutdown ships every committed frame.
	require.NoError(t, <-errCh)
	require.Equal(t, uint64(9), n.Log().ShippedSequence())

	var health = n.Health()
	require.Equal(t, uint64(9), health.Sequence)
	require.Equal(t, uint64(9), health.Shipped)
	require.Zero(t, health.BackupLag)
	require.Len(t, health.Stores, 1)

	// The Service is deregistered upon shutdown.
	var _, ok = env.mux.Lookup("db")
	require.False(t, ok)

	require.NoError(t, w.Release())
	require.NoError(t, n.Close())
}

func TestPrimaryServesWhileShipperIsHalted(t *testing.T) {
	var env = newTestEnv(t)
	var bs = pb.BackupStore("memory://node-halted/")
	var n = env.open(t, env.primarySpec(bs, "/primary"))

	// Upload a batch which conflicts with the frames about to be committed.
	var frames []pb.Frame
	for seq := uint64(1); seq <= 3; seq++ {
		var f = pb.Frame{
			Sequence:  seq,
			PageID:    7,
			PageImage: bytes.Repeat([]byte{0xee}, testPageSize),
			Commit:    seq == 3,
		}
		f.Seal()
		frames = append(frames, f)
	}
	var content, _, err = backup.EncodeObject(backup.KindBatch, pb.CompressionCodec_NONE, frames, 3)
	require.NoError(t, err)
	active, err := stores.Get(bs)
	require.NoError(t, err)
	require.NoError(t, active.Put(context.Background(), backup.BatchKey("db", 1),
		bytes.NewReader(content), int64(len(content)), ""))

	var stop = runInBackground(t, n)
	w, err := n.Writer()
	require.NoError(t, err)

	commit(t, w, 3)
	require.Eventually(t, func() bool { return n.Health().ShipperHalted },
		10*time.Second, time.Millisecond)

	// The Node continues to commit and apply, retaining unshipped frames.
	commit(t, w, 2)
	require.Equal(t, uint64(5), n.CurrentSequence())
	wm, err := n.AppliedWatermark()
	require.NoError(t, err)
	require.Equal(t, uint64(5), wm)

	var health = n.Health()
	require.NotEmpty(t, health.ShipperError)
	require.Zero(t, n.Log().ShippedSequence())
	require.Equal(t, uint64(5), health.BackupLag)
	require.Equal(t, uint64(1), n.Log().Earliest())

	require.NoError(t, stop())
	require.NoError(t, w.Release())
}

func TestPrimaryRestoresFromBackupOnStartup(t *testing.T) {
	var env = newTestEnv(t)
	var bs = pb.BackupStore("memory://node-restores/")

	var first = env.open(t, env.primarySpec(bs, "/first"))
	var w, err = first.Writer()
	require.NoError(t, err)
	commit(t, w, 2)
	commit(t, w, 3)
	runUntilStopped(t, first)

	// A primary with no local state restores from backup, and resumes its
	// Log from the restored sequence.
	var second = env.open(t, env.primarySpec(bs, "/second"))
	require.Equal(t, uint64(5), second.CurrentSequence())
	require.Equal(t, uint64(6), second.Log().Earliest())
	require.Equal(t, uint64(5), second.Log().ShippedSequence())
	require.Equal(t, int64(1), second.Health().Restores)
	requireSameState(t, first.Pages(), second.Pages())

	w, err = second.Writer()
	require.NoError(t, err)
	r, err := w.Append(context.Background(), testPages(5, 2), true)
	require.NoError(t, err)
	require.Equal(t, framelog.Range{First: 6, Last: 7}, r)
}

func TestPrimaryResumesLogFromPageStore(t *testing.T) {
	var env = newTestEnv(t)
	var spec = env.primarySpec("", "/resumes")

	var n = env.open(t, spec)
	var w, err = n.Writer()
	require.NoError(t, err)
	commit(t, w, 4)
	require.NoError(t, w.Release())
	require.NoError(t, n.Close())

	// Lose the Log, but not the page store.
	require.NoError(t, env.fs.RemoveAll("/resumes/log"))

	n = env.open(t, spec)
	require.Equal(t, uint64(4), n.CurrentSequence())
	require.Equal(t, uint64(5), n.Log().Earliest())

	wm, err := n.AppliedWatermark()
	require.NoError(t, err)
	require.Equal(t, uint64(4), wm)
}

func TestPrimaryCatchesUpPageStoreOnOpen(t *testing.T) {
	var env = newTestEnv(t)
	var spec = env.primarySpec("", "/catchup")

	var n = env.open(t, spec)
	var w, err = n.Writer()
	require.NoError(t, err)
	commit(t, w, 2)
	require.NoError(t, w.Release())
	require.NoError(t, n.Close())

	// Commit directly to the Log, bypassing the page store.
	l, err := framelog.Open(env.fs, framelog.Config{
		Database:     "db",
		Directory:    "/catchup/log",
		PageSize:     testPageSize,
		SegmentBytes: spec.SegmentBytes,
	})
	require.NoError(t, err)
	fw, err := l.Writer()
	require.NoError(t, err)
	_, err = fw.Append([]framelog.Page{{ID: 9, Image: testImage(3)}}, true)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	n = env.open(t, spec)
	wm, err := n.AppliedWatermark()
	require.NoError(t, err)
	require.Equal(t, uint64(3), wm)

	image, ok, err := n.Pages().Page(9)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testImage(3), image)
}

func TestRetainKeepsUnshippedFrames(t *testing.T) {
	var env = newTestEnv(t)
	var spec = env.primarySpec("memory://node-retains/", "/retains")
	spec.SegmentBytes = framedLen // Roll after every transaction.
	spec.RetainFrames = 2

	var n = env.open(t, spec)
	var w, err = n.Writer()
	require.NoError(t, err)
	for i := 0; i != 10; i++ {
		commit(t, w, 1)
	}

	// Nothing is shipped, so nothing is removed.
	earliest, err := n.Retain()
	require.NoError(t, err)
	require.Equal(t, uint64(1), earliest)

	require.NoError(t, n.Log().MarkShipped(10))
	earliest, err = n.Retain()
	require.NoError(t, err)
	require.Equal(t, uint64(9), earliest)
}

func TestReplicaFollowsPrimary(t *testing.T) {
	var env = newTestEnv(t)
	var ep = env.serve(t)

	var p = env.open(t, env.primarySpec("", "/primary"))
	var w, err = p.Writer()
	require.NoError(t, err)
	commit(t, w, 3)

	var spec = env.replicaSpec("", "/replica")
	spec.Replica.Primary = ep
	var r = env.open(t, spec)

	var stopPrimary = runInBackground(t, p)
	var stopReplica = runInBackground(t, r)

	commit(t, w, 2)
	commit(t, w, 4)
	awaitSequence(t, r, 9)
	requireSameState(t, p.Pages(), r.Pages())

	require.Eventually(t, func() bool {
		var health = r.Health()
		return health.Replica != nil && health.Replica.State == replica.Live
	}, 10*time.Second, time.Millisecond)

	var health = r.Health()
	require.Equal(t, RoleReplica, health.Role)
	require.Equal(t, uint64(9), health.Applied)
	require.Equal(t, p.Service().Generation(), health.Replica.Generation)

	require.Eventually(t, func() bool {
		var cursors = p.Health().Cursors
		return len(cursors) == 1 && cursors[0].Applied == 9
	}, 10*time.Second, time.Millisecond)

	require.NoError(t, stopReplica())
	require.NoError(t, stopPrimary())
}

func TestReplicaRestoresOnStartup(t *testing.T) {
	var env = newTestEnv(t)
	var bs = pb.BackupStore("memory://node-replica-startup/")
	var ep = env.serve(t)

	var p = env.open(t, env.primarySpec(bs, "/primary"))
	var w, err = p.Writer()
	require.NoError(t, err)
	commit(t, w, 3)
	commit(t, w, 3)

	var stopPrimary = runInBackground(t, p)
	awaitShipped(t, p, 6)

	var spec = env.replicaSpec(bs, "/replica")
	spec.Replica.Primary = ep
	var r = env.open(t, spec)

	// The replica restored before streaming.
	require.Equal(t, uint64(6), r.CurrentSequence())
	require.Equal(t, int64(1), r.Health().Restores)

	var stopReplica = runInBackground(t, r)
	commit(t, w, 2)
	awaitSequence(t, r, 8)
	requireSameState(t, p.Pages(), r.Pages())

	require.NoError(t, stopReplica())
	require.NoError(t, stopPrimary())
}

func TestReplicaRestoresWhenTooFarBehind(t *testing.T) {
	var env = newTestEnv(t)
	var bs = pb.BackupStore("memory://node-replica-behind/")
	var ep = env.serve(t)

	var pspec = env.primarySpec(bs, "/primary")
	pspec.SegmentBytes = framedLen
	pspec.RetainFrames = 2
	var p = env.open(t, pspec)

	var w, err = p.Writer()
	require.NoError(t, err)
	commit(t, w, 1)
	commit(t, w, 1)

	// The replica has applied through 2.
	var rstore = env.store("/replica/pages.db")
	require.NoError(t, applyLog(context.Background(), p.Log(), rstore, 2))

	for i := 0; i != 8; i++ {
		commit(t, w, 1)
	}
	var stopPrimary = runInBackground(t, p)
	awaitShipped(t, p, 10)

	earliest, err := p.Retain()
	require.NoError(t, err)
	require.Equal(t, uint64(9), earliest)

	var spec = env.replicaSpec(bs, "/replica")
	spec.Replica.Primary = ep
	var r = env.open(t, spec)
	require.Zero(t, r.Health().Restores) // Local state exists.

	var stopReplica = runInBackground(t, r)
	awaitSequence(t, r, 10)
	require.Eventually(t, func() bool { return r.Health().Restores == 1 },
		10*time.Second, time.Millisecond)

	commit(t, w, 1)
	awaitSequence(t, r, 11)
	requireSameState(t, p.Pages(), r.Pages())

	require.NoError(t, stopReplica())
	require.NoError(t, stopPrimary())
}

func TestReplicaRequiresPrimary(t *testing.T) {
	var env = newTestEnv(t)
	var _, err = Open(context.Background(), env.replicaSpec("", "/replica"), env.services())
	require.EqualError(t, err, "replica requires a Resolver or Replica.Primary")
}

func TestRegistryServesHealth(t *testing.T) {
	var env = newTestEnv(t)
	var n = env.open(t, env.primarySpec("", "/primary"))
	var w, err = n.Writer()
	require.NoError(t, err)
	commit(t, w, 2)

	var reg = NewRegistry()
	reg.Add(n)

	var srv = httptest.NewServer(reg)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/pagestream/db")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.NoError(t, resp.Body.Close())

	require.Equal(t, Health{
		Database: "db",
		Role:     RolePrimary,
		Sequence: 2,
		Applied:  2,
		Earliest: 1,
	}, health)

	resp, err = http.Get(srv.URL + "/debug/pagestream")
	require.NoError(t, err)
	var all []Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	require.NoError(t, resp.Body.Close())
	require.Len(t, all, 1)

	for path, code := range map[string]int{
		"/debug/pagestream/other":    http.StatusNotFound,
		"/debug/pagestream/bad%20db": http.StatusBadRequest,
	} {
		resp, err = http.Get(srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, code, resp.StatusCode, path)
		require.NoError(t, resp.Body.Close())
	}

	reg.Remove("db")
	require.Empty(t, reg.Nodes())
}

type testEnv struct {
	fs     afero.Fs
	mux    *primary.Mux
	dialer *replica.Dialer

	mu     sync.Mutex
	stores map[string]*pagestore.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	stores.RegisterMemoryProvider()

	var env = &testEnv{
		fs:     afero.NewMemMapFs(),
		mux:    primary.NewMux(),
		dialer: replica.NewDialer(4),
		stores: make(map[string]*pagestore.Memory),
	}
	t.Cleanup(env.dialer.Close)
	return env
}

// store returns the Memory store of |path|, which outlives Node restarts.
func (env *testEnv) store(path string) *pagestore.Memory {
	env.mu.Lock()
	defer env.mu.Unlock()

	if s, ok := env.stores[path]; ok {
		return s
	}
	var s = pagestore.NewMemory()
	env.stores[path] = s
	return s
}

func (env *testEnv) services() Services {
	return Services{
		Fs:        env.fs,
		OpenStore: func(path string) (pagestore.Store, error) { return env.store(path), nil },
		Mux:       env.mux,
		Dialer:    env.dialer,
	}
}

func (env *testEnv) primarySpec(bs pb.BackupStore, dir string) DatabaseSpec {
	var spec = DatabaseSpec{
		Database:        "db",
		Role:            RolePrimary,
		Directory:       dir,
		PageSize:        testPageSize,
		SegmentBytes:    1 << 20,
		ShutdownTimeout: 10 * time.Second,
		Backup:          BackupSpec{Codec: "gzip", FlushInterval: 5 * time.Millisecond},
	}
	if bs != "" {
		spec.Stores = []pb.BackupStore{bs}
	}
	return spec
}

func (env *testEnv) replicaSpec(bs pb.BackupStore, dir string) DatabaseSpec {
	var spec = env.primarySpec(bs, dir)
	spec.Role = RoleReplica
	spec.Replica.Retry = replica.RetryPolicy{
		Initial:    time.Millisecond,
		Max:        10 * time.Millisecond,
		Multiplier: 2,
	}
	return spec
}

func (env *testEnv) open(t *testing.T, spec DatabaseSpec) *Node {
	var n, err = Open(context.Background(), spec, env.services())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// serve the Mux over gRPC, returning its Endpoint.
func (env *testEnv) serve(t *testing.T) pb.Endpoint {
	var lis, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var srv = grpc.NewServer()
	pb.RegisterReplicationServer(srv, env.mux)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return pb.Endpoint("http://" + lis.Addr().String())
}

// runInBackground serves the Node, returning a function which stops it
// and returns the result of Serve.
func runInBackground(t *testing.T, n *Node) func() error {
	var ctx, cancel = context.WithCancel(context.Background())
	var errCh = make(chan error, 1)
	go func() { errCh <- n.Serve(ctx) }()
	t.Cleanup(cancel)

	return func() error {
		cancel()
		return <-errCh
	}
}

func runUntilStopped(t *testing.T, n *Node) {
	require.NoError(t, runInBackground(t, n)())
}

func awaitSequence(t *testing.T, n *Node, seq uint64) {
	require.Eventually(t, func() bool { return n.CurrentSequence() == seq },
		10*time.Second, time.Millisecond, "sequence %d, expected %d", n.CurrentSequence(), seq)
}

func awaitShipped(t *testing.T, n *Node, seq uint64) {
	require.Eventually(t, func() bool { return n.Log().ShippedSequence() == seq },
		10*time.Second, time.Millisecond)
}

func requireSameState(t *testing.T, expect, actual pagestore.Store) {
	var a, err = pagestore.Digest(expect)
	require.NoError(t, err)
	b, err := pagestore.Digest(actual)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

// commit a transaction of |n| pages.
func commit(t *testing.T, w *Writer, n int) {
	var _, err = w.Append(context.Background(), testPages(w.node.CurrentSequence(), n), true)
	require.NoError(t, err)
}

// testPages returns |n| pages which follow sequence |after|.
func testPages(after uint64, n int) []framelog.Page {
	var out []framelog.Page
	for i := 0; i != n; i++ {
		out = append(out, framelog.Page{
			ID:    uint32(i%3 + 1),
			Image: testImage(after + uint64(i) + 1),
		})
	}
	return out
}

func testImage(seq uint64) []byte {
	return bytes.Repeat([]byte{byte(seq)}, testPageSize)
}

const testPageSize = 16

var framedLen = int64(pb.FrameHeaderLength + pb.FrameFixedSize + testPageSize)
