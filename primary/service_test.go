package primary

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.pagestream.dev/core/framelog"
	pb "go.pagestream.dev/core/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestStreamCatchUpAndLive(t *testing.T) {
	var f = newFixture(t, Config{})
	f.commit(t, 5)
	f.commit(t, 5)

	var stream = f.open(t, "db", 1)
	var resp = recv(t, stream)
	require.Equal(t, pb.Status_OK, resp.Status)
	require.Equal(t, uint64(10), resp.Header.Committed)
	require.Equal(t, uint64(1), resp.Header.EarliestRetained)
	require.Equal(t, f.svc.Generation(), resp.Header.Generation)

	for seq := uint64(1); seq <= 10; seq++ {
		resp = recv(t, stream)
		require.Equal(t, seq, resp.Frame.Sequence)
		require.Equal(t, seq == 5 || seq == 10, resp.Frame.Commit)
		require.Equal(t, uint64(10), resp.Committed)
		require.NoError(t, resp.Frame.Verify())
	}

	// Frames committed later are streamed live.
	f.commit(t, 2)
	require.Equal(t, uint64(11), recv(t, stream).Frame.Sequence)
	require.Equal(t, uint64(12), recv(t, stream).Frame.Sequence)

	// Acknowledgements are reflected in cursor status.
	require.NoError(t, stream.Send(&pb.StreamRequest{AppliedSequence: 12}))
	require.Eventually(t, func() bool {
		var cursors = f.svc.Cursors()
		return len(cursors) == 1 && cursors[0].Applied == 12 && cursors[0].Lag == 0
	}, 5*time.Second, 10*time.Millisecond)

	var status = f.svc.Cursors()[0]
	require.Equal(t, Streaming, status.State)
	require.Equal(t, uint64(1), status.Requested)
	require.Equal(t, uint64(12), status.Sent)
}

func TestStreamResumesFromRequestedSequence(t *testing.T) {
	var f = newFixture(t, Config{})
	f.commit(t, 3)
	f.commit(t, 3)

	var stream = f.open(t, "db", 4)
	require.Equal(t, pb.Status_OK, recv(t, stream).Status)
	for seq := uint64(4); seq <= 6; seq++ {
		require.Equal(t, seq, recv(t, stream).Frame.Sequence)
	}

	// A replica which is fully caught up requests committed+1.
	stream = f.open(t, "db", 7)
	require.Equal(t, pb.Status_OK, recv(t, stream).Status)
	f.commit(t, 1)
	require.Equal(t, uint64(7), recv(t, stream).Frame.Sequence)
}

func TestStreamTerminalStatuses(t *testing.T) {
	var f = newFixture(t, Config{})
	for i := 0; i != 4; i++ {
		f.commit(t, 2)
	}
	var earliest, err = f.log.RetainFrom(5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), earliest)

	for _, tc := range []struct {
		db        pb.DatabaseID
		requested uint64
		expect    pb.Status
	}{
		{"db", 4, pb.Status_TOO_FAR_BEHIND},
		{"db", 10, pb.Status_SEQUENCE_AHEAD},
		{"other", 1, pb.Status_DATABASE_NOT_FOUND},
	} {
		var stream = f.open(t, tc.db, tc.requested)
		var resp = recv(t, stream)
		require.Equal(t, tc.expect, resp.Status)

		var _, err = stream.Recv()
		require.Equal(t, io.EOF, err)
	}

	// Edges of the retained window are OK.
	for _, requested := range []uint64{5, 9} {
		var stream = f.open(t, "db", requested)
		require.Equal(t, pb.Status_OK, recv(t, stream).Status)
	}
}

func TestStreamRejectsInvalidHello(t *testing.T) {
	var f = newFixture(t, Config{})

	var stream, err = pb.NewReplicationClient(f.conn).Stream(context.Background())
	require.NoError(t, err)
	require.NoError(t, stream.Send(&pb.StreamRequest{AppliedSequence: 1}))

	_, err = stream.Recv()
	require.EqualError(t, err, "rpc error: code = Unknown desc = expected Hello as first StreamRequest")
}

func TestDrainFlushesAndCloses(t *testing.T) {
	var f = newFixture(t, Config{})
	f.commit(t, 3)

	var stream = f.open(t, "db", 1)
	require.Equal(t, pb.Status_OK, recv(t, stream).Status)

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var drainErr = make(chan error, 1)
	go func() { drainErr <- f.svc.Drain(ctx) }()

	// Queued frames may be flushed before the terminal CLOSED status.
	var next = uint64(1)
	for {
		var resp = recv(t, stream)
		if resp.Frame == nil {
			require.Equal(t, pb.Status_CLOSED, resp.Status)
			break
		}
		require.Equal(t, next, resp.Frame.Sequence)
		next++
	}
	require.NoError(t, <-drainErr)

	// New streams are refused.
	stream = f.open(t, "db", 1)
	require.Equal(t, pb.Status_CLOSED, recv(t, stream).Status)
}

func TestLaggingCursorIsClosed(t *testing.T) {
	var f = newFixture(t, Config{BufferFrames: 1, MaxLagFrames: 3})

	var stream = f.open(t, "db", 1)
	require.Equal(t, pb.Status_OK, recv(t, stream).Status)

	// The ceiling applies only once the cursor has caught up, so commit
	// transactions larger than the ceiling until one is observed.
	var closed bool
	for round := 1; round <= 20 && !closed; round++ {
		f.commit(t, 10)

		for target := uint64(round * 10); ; {
			var resp = recv(t, stream)
			if resp.Frame == nil {
				require.Equal(t, pb.Status_CLOSED, resp.Status)
				closed = true
				break
			} else if resp.Frame.Sequence == target {
				break
			}
		}
	}
	require.True(t, closed)

	var _, err = stream.Recv()
	require.Equal(t, io.EOF, err)
}

func TestStopCancelsCursors(t *testing.T) {
	var f = newFixture(t, Config{})

	var stream = f.open(t, "db", 1)
	require.Equal(t, pb.Status_OK, recv(t, stream).Status)
	require.Eventually(t, func() bool { return len(f.svc.Cursors()) == 1 },
		5*time.Second, 10*time.Millisecond)

	f.svc.Stop()

	var _, err = stream.Recv()
	require.Equal(t, io.EOF, err)
	require.Empty(t, f.svc.Cursors())
}

func TestPull(t *testing.T) {
	var f = newFixture(t, Config{})
	f.commit(t, 4)
	f.commit(t, 4)

	var frames, committed, err = f.svc.Pull(3, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(8), committed)
	require.Len(t, frames, 4)
	require.Equal(t, uint64(3), frames[0].Sequence)
	require.Equal(t, uint64(6), frames[3].Sequence)

	frames, _, err = f.svc.Pull(9, 4)
	require.NoError(t, err)
	require.Empty(t, frames)

	_, err = f.log.RetainFrom(5)
	require.NoError(t, err)
	_, _, err = f.svc.Pull(4, 4)
	require.ErrorIs(t, err, pb.ErrTooFarBehind)
}

type fixture struct {
	log  *framelog.Log
	w    *framelog.Writer
	svc  *Service
	mux  *Mux
	conn *grpc.ClientConn
}

func newFixture(t *testing.T, cfg Config) *fixture {
	var l, err = framelog.Open(afero.NewMemMapFs(), framelog.Config{
		Database:     "db",
		Directory:    "/db",
		PageSize:     testPageSize,
		SegmentBytes: 2 * (pb.FrameHeaderLength + pb.FrameFixedSize + testPageSize),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	w, err := l.Writer()
	require.NoError(t, err)

	var svc = NewService("db", l, cfg)
	var mux = NewMux()
	mux.Register(svc)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var srv = grpc.NewServer()
	pb.RegisterReplicationServer(srv, mux)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		svc.Stop()
		srv.Stop()
	})
	return &fixture{log: l, w: w, svc: svc, mux: mux, conn: conn}
}

// commit a transaction of |n| pages.
func (f *fixture) commit(t *testing.T, n int) {
	var pages []framelog.Page
	for i := 0; i != n; i++ {
		pages = append(pages, framelog.Page{
			ID:    uint32(i + 1),
			Image: bytes.Repeat([]byte{byte(f.log.Committed()) + byte(i)}, testPageSize),
		})
	}
	var _, err = f.w.Append(pages, true)
	require.NoError(t, err)
}

func (f *fixture) open(t *testing.T, db pb.DatabaseID, requested uint64) pb.Replication_StreamClient {
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var stream, err = pb.NewReplicationClient(f.conn).Stream(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&pb.StreamRequest{
		Hello: &pb.Hello{Database: db, RequestedSequence: requested},
	}))
	return stream
}

func recv(t *testing.T, stream pb.Replication_StreamClient) *pb.StreamResponse {
	var resp, err = stream.Recv()
	require.NoError(t, err)
	require.NoError(t, resp.Validate())
	return resp
}

const testPageSize = 16
