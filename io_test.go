package cem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testPipe returns the read and write descriptors of a fresh non-blocking
// pipe. Both ends are closed at test cleanup; earlier closes are tolerated.
func testPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
		unix.CloseOnExec(fd)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// TestPipePing tests that "ping" written as a line over a pipe is read back
// exactly, with the reader parking until the writer runs.
func TestPipePing(t *testing.T) {
	rd, wr := testPipe(t)
	r, err := New(WithMetrics(true))
	require.NoError(t, err)
	var got string
	// The reader is spawned first, so it parks on the empty pipe before the
	// writer produces anything.
	_, err = r.Spawn(func(s *Strand) {
		conn := &Conn{r: r, fd: rd}
		line, err := conn.ReadLine()
		require.NoError(t, err)
		got = line
	})
	require.NoError(t, err)
	_, err = r.Spawn(func(s *Strand) {
		conn := &Conn{r: r, fd: wr}
		require.NoError(t, conn.WriteLine("ping"))
	})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, "ping", got)
	m := r.Metrics()
	assert.GreaterOrEqual(t, m.IOBlocked, uint64(1), "reader must have parked")
	assert.GreaterOrEqual(t, m.Completions, uint64(1))
}

// TestStdinStdoutFacade tests ReadLine and WriteLine against overridden
// standard descriptors, with one strand feeding the other through the
// stdin pipe.
func TestStdinStdoutFacade(t *testing.T) {
	inR, inW := testPipe(t)
	outR, outW := testPipe(t)
	r, err := New(WithStdin(inR), WithStdout(outW))
	require.NoError(t, err)
	_, err = r.Spawn(func(s *Strand) {
		line, err := s.ReadLine()
		require.NoError(t, err)
		require.NoError(t, s.WriteLine(line+"!"))
	})
	require.NoError(t, err)
	_, err = r.Spawn(func(s *Strand) {
		conn := &Conn{r: r, fd: inW}
		require.NoError(t, conn.WriteLine("hello"))
	})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	buf := make([]byte, 64)
	n, err := unix.Read(outR, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello!\n", string(buf[:n]))
}

// TestReadLineEOF tests end-of-stream semantics: a partial final line is
// returned without error, and the next read reports io.EOF.
func TestReadLineEOF(t *testing.T) {
	rd, wr := testPipe(t)
	_, err := unix.Write(wr, []byte("whole\npartial"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(wr))
	r, err := New(WithStdin(rd))
	require.NoError(t, err)
	_, err = r.Spawn(func(s *Strand) {
		line, err := s.ReadLine()
		require.NoError(t, err)
		require.Equal(t, "whole", line)
		line, err = s.ReadLine()
		require.NoError(t, err)
		require.Equal(t, "partial", line)
		_, err = s.ReadLine()
		require.ErrorIs(t, err, io.EOF)
	})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
}

// TestConnHangupWakesReader tests that a parked reader is woken when the
// peer closes, observing io.EOF rather than hanging.
func TestConnHangupWakesReader(t *testing.T) {
	rd, wr := testPipe(t)
	r, err := New()
	require.NoError(t, err)
	var got error
	_, err = r.Spawn(func(s *Strand) {
		conn := &Conn{r: r, fd: rd}
		_, got = conn.Read(make([]byte, 8))
	})
	require.NoError(t, err)
	_, err = r.Spawn(func(s *Strand) {
		wconn := &Conn{r: r, fd: wr}
		require.NoError(t, wconn.Close())
	})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	require.ErrorIs(t, got, io.EOF)
}

// TestWriteBackpressure tests that a writer outpacing the kernel buffer
// parks on write readiness and everything still arrives intact.
func TestWriteBackpressure(t *testing.T) {
	rd, wr := testPipe(t)
	payload := make([]byte, 256<<10)
	for i := range payload {
		payload[i] = byte(i)
	}
	r, err := New(WithMetrics(true))
	require.NoError(t, err)
	var received []byte
	_, err = r.Spawn(func(s *Strand) {
		conn := &Conn{r: r, fd: wr}
		n, err := conn.Write(payload)
		require.NoError(t, err)
		require.Equal(t, len(payload), n)
		require.NoError(t, conn.Close())
	})
	require.NoError(t, err)
	_, err = r.Spawn(func(s *Strand) {
		conn := &Conn{r: r, fd: rd}
		buf := make([]byte, 32<<10)
		for {
			n, err := conn.Read(buf)
			if err == io.EOF {
				return
			}
			require.NoError(t, err)
			received = append(received, buf[:n]...)
		}
	})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	require.Equal(t, payload, received)
	assert.GreaterOrEqual(t, r.Metrics().IOBlocked, uint64(1), "writer must have parked")
}

// TestReadWriteFile tests the whole-file operations, including the error
// path for a missing file.
func TestReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	content := []byte("line one\nline two\n")
	err := runRuntime(t, func(r *Runtime) {
		_, err := r.Spawn(func(s *Strand) {
			require.NoError(t, s.WriteFile(path, content))
			got, err := s.ReadFile(path)
			require.NoError(t, err)
			require.Equal(t, content, got)
			_, err = s.ReadFile(filepath.Join(t.TempDir(), "missing"))
			require.Error(t, err)
			require.ErrorIs(t, err, os.ErrNotExist)
		})
		require.NoError(t, err)
	})
	require.NoError(t, err, "an I/O error value must not terminate the runtime")
}

// pingPong drives a listener/connector exchange over addr and returns the
// transcript observed by each side.
func pingPong(t *testing.T, addr string) (serverGot, clientGot string) {
	t.Helper()
	err := runRuntime(t, func(r *Runtime) {
		_, err := r.Spawn(func(s *Strand) {
			l, err := s.Listen(addr)
			require.NoError(t, err)
			defer func() { require.NoError(t, l.Close()) }()
			client := s.Spawn(func(s *Strand) {
				conn, err := s.Connect(l.Addr())
				require.NoError(t, err)
				defer func() { require.NoError(t, conn.Close()) }()
				require.NoError(t, conn.WriteLine("ping"))
				clientGot, err = conn.ReadLine()
				require.NoError(t, err)
			})
			conn, err := s.Accept(l)
			require.NoError(t, err)
			defer func() { require.NoError(t, conn.Close()) }()
			serverGot, err = conn.ReadLine()
			require.NoError(t, err)
			require.NoError(t, conn.WriteLine("pong"))
			s.Wait(client)
		})
		require.NoError(t, err)
	})
	require.NoError(t, err)
	return serverGot, clientGot
}

// TestListenAcceptConnectTCP tests the socket facade over loopback TCP with
// a kernel-assigned port.
func TestListenAcceptConnectTCP(t *testing.T) {
	serverGot, clientGot := pingPong(t, "127.0.0.1:0")
	assert.Equal(t, "ping", serverGot)
	assert.Equal(t, "pong", clientGot)
}

// TestListenAcceptConnectUnix tests the socket facade over a unix-domain
// socket, removed on listener close.
func TestListenAcceptConnectUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cem.sock")
	serverGot, clientGot := pingPong(t, path)
	assert.Equal(t, "ping", serverGot)
	assert.Equal(t, "pong", clientGot)
	_, err := os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist, "socket path must be unlinked on close")
}

// TestConnectRefused tests that a refused connection is an ordinary error
// value, not a runtime failure.
func TestConnectRefused(t *testing.T) {
	err := runRuntime(t, func(r *Runtime) {
		_, err := r.Spawn(func(s *Strand) {
			// Port reserved then released, so nothing is listening on it.
			l, err := s.Listen("127.0.0.1:0")
			require.NoError(t, err)
			addr := l.Addr()
			require.NoError(t, l.Close())
			_, err = s.Connect(addr)
			require.Error(t, err)
		})
		require.NoError(t, err)
	})
	require.NoError(t, err)
}

// TestBadAddresses tests address parsing failures.
func TestBadAddresses(t *testing.T) {
	err := runRuntime(t, func(r *Runtime) {
		_, err := r.Spawn(func(s *Strand) {
			_, err := s.Listen("no-port-here")
			require.Error(t, err)
			_, err = s.Listen("localhost:80")
			require.Error(t, err, "names are not resolved")
			_, err = s.Connect(":-1")
			require.Error(t, err)
		})
		require.NoError(t, err)
	})
	require.NoError(t, err)
}

// TestRegisterFailureIsFatal tests that a backend registration failure
// terminates the runtime instead of surfacing to the strand as a
// recoverable I/O error: the facade call never returns.
func TestRegisterFailureIsFatal(t *testing.T) {
	rd, _ := testPipe(t)
	regErr := errors.New("registration exhausted")
	r, err := New(WithBackend(&fakeBackend{registerErr: regErr}))
	require.NoError(t, err)
	var returned bool
	_, err = r.Spawn(func(s *Strand) {
		conn := &Conn{r: r, fd: rd}
		_, _ = conn.Read(make([]byte, 8))
		returned = true
	})
	require.NoError(t, err)
	err = r.Run(context.Background())
	require.ErrorIs(t, err, regErr)
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Error(), "register fd")
	assert.False(t, returned, "the read must not return an error value")
}

// TestConnCloseAfterRun tests the descriptor release contract once the
// scheduler has stopped: Close succeeds and a second close is a no-op.
func TestConnCloseAfterRun(t *testing.T) {
	rd, wr := testPipe(t)
	r, err := New()
	require.NoError(t, err)
	conn := &Conn{r: r, fd: rd}
	wconn := &Conn{r: r, fd: wr}
	_, err = r.Spawn(func(s *Strand) {
		require.NoError(t, wconn.WriteLine("bye"))
	})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	require.NoError(t, wconn.Close())
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "second close is a no-op")
}

// TestCloseWhileBlockedIsFatal tests that closing a descriptor another
// strand is parked on is a contract violation that terminates the runtime.
func TestCloseWhileBlockedIsFatal(t *testing.T) {
	rd, _ := testPipe(t)
	r, err := New()
	require.NoError(t, err)
	conn := &Conn{r: r, fd: rd}
	_, err = r.Spawn(func(s *Strand) {
		_, _ = conn.Read(make([]byte, 8))
	})
	require.NoError(t, err)
	_, err = r.Spawn(func(s *Strand) {
		_ = conn.Close()
	})
	require.NoError(t, err)
	err = r.Run(context.Background())
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Error(), "blocked on it")
}

// TestStrandStress tests that thousands of strands each performing one
// blocked read and one write against pipes all complete, with completions
// delivered to the right strands. Pairs run in bounded waves to stay under
// the descriptor limit.
func TestStrandStress(t *testing.T) {
	const wave = 50
	pairs := 5000
	if testing.Short() {
		pairs = 500
	}
	r, err := New(WithMetrics(true))
	require.NoError(t, err)
	var completed int
	_, err = r.Spawn(func(s *Strand) {
		for done := 0; done < pairs; done += wave {
			n := wave
			if rem := pairs - done; rem < n {
				n = rem
			}
			handles := make([]*Strand, 0, 2*n)
			conns := make([]*Conn, 0, 2*n)
			for i := 0; i < n; i++ {
				var fds [2]int
				require.NoError(t, unix.Pipe(fds[:]))
				require.NoError(t, unix.SetNonblock(fds[0], true))
				require.NoError(t, unix.SetNonblock(fds[1], true))
				rconn := &Conn{r: r, fd: fds[0]}
				wconn := &Conn{r: r, fd: fds[1]}
				conns = append(conns, rconn, wconn)
				// Reader first: it parks on the empty pipe every time.
				handles = append(handles, s.Spawn(func(s *Strand) {
					line, err := rconn.ReadLine()
					require.NoError(t, err)
					require.Equal(t, "ping", line)
					completed++
				}))
				handles = append(handles, s.Spawn(func(s *Strand) {
					require.NoError(t, wconn.WriteLine("ping"))
					completed++
				}))
			}
			for _, h := range handles {
				s.Wait(h)
			}
			for _, c := range conns {
				require.NoError(t, c.Close())
			}
		}
	})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 2*pairs, completed)
	m := r.Metrics()
	assert.Equal(t, uint64(2*pairs+1), m.Spawned)
	assert.GreaterOrEqual(t, m.IOBlocked, uint64(pairs), "every reader must have parked once")
}
