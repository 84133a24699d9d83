package cem

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/sys/unix"
)

// blockOn parks the strand until fd reports the requested readiness. The
// caller retries its syscall on resume; error and hangup conditions surface
// through that retry rather than here. A registration failure is not an I/O
// condition: it means resource exhaustion or a scheduler invariant gone
// wrong, so it terminates the runtime instead of returning to the caller.
func (s *Strand) blockOn(fd int, interest IOEvents) {
	r := s.r
	if r.stopping() {
		panic(terminateUnwind{})
	}
	r.blocked.add(fd, s)
	if err := r.backend.Register(fd, interest, s.id); err != nil {
		r.blocked.remove(fd)
		panic(&StateError{Cause: err, Message: fmt.Sprintf("cem: register fd %d: %v", fd, err)})
	}
	s.pendingFD = fd
	s.state = StrandBlocked
	s.blockCount++
	r.metrics.inc(&r.metrics.ioBlocked)
	s.switchOut()
	s.pendingFD = -1
}

// noteFast counts an operation that completed without ever parking.
// Call as: defer s.noteFast(s.blockCount)
func (s *Strand) noteFast(before uint64) {
	if s.blockCount == before {
		s.r.metrics.inc(&s.r.metrics.ioFast)
	}
}

// readLineFD reads bytes one at a time up to a newline. The newline is
// consumed but not returned. At end of stream a partial line is returned
// with a nil error; the next call returns io.EOF.
func (s *Strand) readLineFD(fd int) (string, error) {
	var b strings.Builder
	var buf [1]byte
	for {
		n, err := unix.Read(fd, buf[:])
		switch {
		case err == nil && n > 0:
			if buf[0] == '\n' {
				return b.String(), nil
			}
			b.WriteByte(buf[0])
		case err == nil:
			if b.Len() == 0 {
				return "", io.EOF
			}
			return b.String(), nil
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			s.blockOn(fd, EventRead)
		case err == unix.EINTR:
		default:
			return b.String(), fmt.Errorf("cem: read fd %d: %w", fd, err)
		}
	}
}

// writeAllFD writes all of p, parking on a full kernel buffer, and returns
// the count written.
func (s *Strand) writeAllFD(fd int, p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		switch {
		case err == nil:
			written += n
			p = p[n:]
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			s.blockOn(fd, EventWrite)
		case err == unix.EINTR:
		default:
			return written, fmt.Errorf("cem: write fd %d: %w", fd, err)
		}
	}
	return written, nil
}

func (r *Runtime) inputFD() (int, error) {
	if !r.inReady {
		if err := unix.SetNonblock(r.inFD, true); err != nil {
			return -1, fmt.Errorf("cem: set nonblock fd %d: %w", r.inFD, err)
		}
		r.inReady = true
	}
	return r.inFD, nil
}

func (r *Runtime) outputFD() (int, error) {
	if !r.outReady {
		if err := unix.SetNonblock(r.outFD, true); err != nil {
			return -1, fmt.Errorf("cem: set nonblock fd %d: %w", r.outFD, err)
		}
		r.outReady = true
	}
	return r.outFD, nil
}

// ReadLine reads a line from the runtime's input descriptor, standard input
// unless overridden by [WithStdin]. The descriptor is switched to
// non-blocking mode on first use.
func (s *Strand) ReadLine() (string, error) {
	s.assertCurrent("read_line")
	fd, err := s.r.inputFD()
	if err != nil {
		return "", err
	}
	defer s.noteFast(s.blockCount)
	return s.readLineFD(fd)
}

// WriteLine writes the string plus a trailing newline to the runtime's
// output descriptor, standard output unless overridden by [WithStdout].
func (s *Strand) WriteLine(line string) error {
	s.assertCurrent("write_line")
	fd, err := s.r.outputFD()
	if err != nil {
		return err
	}
	defer s.noteFast(s.blockCount)
	_, err = s.writeAllFD(fd, append([]byte(line), '\n'))
	return err
}

// ReadFile reads the entire file at path. Regular files never report
// EAGAIN, so they complete without parking; a path naming a FIFO parks the
// strand like any other descriptor.
func (s *Strand) ReadFile(path string) ([]byte, error) {
	s.assertCurrent("read_file")
	defer s.noteFast(s.blockCount)
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cem: open %s: %w", path, err)
	}
	defer unix.Close(fd)
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == nil && n > 0:
			out = append(out, buf[:n]...)
		case err == nil:
			return out, nil
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			s.blockOn(fd, EventRead)
		case err == unix.EINTR:
		default:
			return nil, fmt.Errorf("cem: read %s: %w", path, err)
		}
	}
}

// WriteFile creates or truncates the file at path and writes data to it.
func (s *Strand) WriteFile(path string, data []byte) error {
	s.assertCurrent("write_file")
	defer s.noteFast(s.blockCount)
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_NONBLOCK|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return fmt.Errorf("cem: open %s: %w", path, err)
	}
	defer unix.Close(fd)
	_, err = s.writeAllFD(fd, data)
	return err
}

// Conn is a non-blocking stream connection bound to a runtime. Its I/O
// methods must be called from a running strand; Close shares the runtime's
// single thread of control, so it is called from a strand (including its
// deferred cleanups) or after Run has returned, never concurrently with a
// running scheduler.
type Conn struct {
	r      *Runtime
	fd     int
	closed bool
}

func (c *Conn) strand(op string) *Strand {
	s := c.r.current
	if s == nil {
		panic(&StateError{Message: fmt.Sprintf("cem: %s outside a running strand", op)})
	}
	return s
}

// Read reads at most len(p) bytes, parking the strand until data arrives.
// It returns io.EOF at end of stream.
func (c *Conn) Read(p []byte) (int, error) {
	s := c.strand("read")
	if c.closed {
		return 0, ErrConnClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	defer s.noteFast(s.blockCount)
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == nil && n > 0:
			return n, nil
		case err == nil:
			return 0, io.EOF
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			s.blockOn(c.fd, EventRead)
		case err == unix.EINTR:
		default:
			return 0, fmt.Errorf("cem: read fd %d: %w", c.fd, err)
		}
	}
}

// Write writes all of p, parking the strand whenever the kernel buffer
// fills.
func (c *Conn) Write(p []byte) (int, error) {
	s := c.strand("write")
	if c.closed {
		return 0, ErrConnClosed
	}
	defer s.noteFast(s.blockCount)
	return s.writeAllFD(c.fd, p)
}

// ReadLine reads up to the next newline from the connection.
func (c *Conn) ReadLine() (string, error) {
	s := c.strand("read_line")
	if c.closed {
		return "", ErrConnClosed
	}
	defer s.noteFast(s.blockCount)
	return s.readLineFD(c.fd)
}

// WriteLine writes the string plus a trailing newline to the connection.
func (c *Conn) WriteLine(line string) error {
	s := c.strand("write_line")
	if c.closed {
		return ErrConnClosed
	}
	defer s.noteFast(s.blockCount)
	_, err := s.writeAllFD(c.fd, append([]byte(line), '\n'))
	return err
}

// Close releases the descriptor. Closing a connection another strand is
// blocked on is fatal. Closing twice is a no-op. Close consults scheduler
// state, so it follows the contract documented on [Conn]: from a strand, or
// after Run returns.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	if holder := c.r.blocked.holder(c.fd); holder != nil {
		panic(&StateError{Message: fmt.Sprintf("cem: close of fd %d while strand %d is blocked on it", c.fd, holder.id)})
	}
	c.closed = true
	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("cem: close fd %d: %w", c.fd, err)
	}
	return nil
}

// Listener is a listening socket bound to a runtime.
type Listener struct {
	r      *Runtime
	fd     int
	addr   string
	path   string // unix socket path, unlinked on close
	closed bool
}

// Addr returns the bound address. When the requested port was 0 it carries
// the port the kernel picked.
func (l *Listener) Addr() string { return l.addr }

// Close stops listening. Like [Conn.Close], it is fatal while a strand is
// blocked in Accept on this listener.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	if holder := l.r.blocked.holder(l.fd); holder != nil {
		panic(&StateError{Message: fmt.Sprintf("cem: close of fd %d while strand %d is blocked on it", l.fd, holder.id)})
	}
	l.closed = true
	err := unix.Close(l.fd)
	if l.path != "" {
		_ = unix.Unlink(l.path)
	}
	if err != nil {
		return fmt.Errorf("cem: close fd %d: %w", l.fd, err)
	}
	return nil
}

// Listen opens a listening socket on addr: "host:port" for TCP, or a
// filesystem path for unix-domain. Port 0 picks a free port, readable from
// [Listener.Addr].
func (s *Strand) Listen(addr string) (*Listener, error) {
	s.assertCurrent("listen")
	family, sa, err := parseSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := newSocketFD(family)
	if err != nil {
		return nil, fmt.Errorf("cem: socket: %w", err)
	}
	if family != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("cem: setsockopt: %w", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cem: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cem: listen %s: %w", addr, err)
	}
	l := &Listener{r: s.r, fd: fd, addr: addr}
	if family == unix.AF_UNIX {
		l.path = addr
	} else if bound, err := unix.Getsockname(fd); err == nil {
		l.addr = sockaddrString(bound)
	}
	return l, nil
}

// Accept waits for and returns the next inbound connection.
func (s *Strand) Accept(l *Listener) (*Conn, error) {
	s.assertCurrent("accept")
	if l.closed {
		return nil, ErrConnClosed
	}
	defer s.noteFast(s.blockCount)
	for {
		nfd, err := acceptFD(l.fd)
		switch {
		case err == nil:
			return &Conn{r: s.r, fd: nfd}, nil
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			s.blockOn(l.fd, EventRead)
		case err == unix.EINTR || err == unix.ECONNABORTED:
		default:
			return nil, fmt.Errorf("cem: accept: %w", err)
		}
	}
}

// Connect opens a stream connection to addr, parking the strand until the
// connection completes or is refused.
func (s *Strand) Connect(addr string) (*Conn, error) {
	s.assertCurrent("connect")
	defer s.noteFast(s.blockCount)
	family, sa, err := parseSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := newSocketFD(family)
	if err != nil {
		return nil, fmt.Errorf("cem: socket: %w", err)
	}
	switch err := unix.Connect(fd, sa); err {
	case nil:
	case unix.EINPROGRESS, unix.EINTR:
		// Completion is reported as writability; the verdict comes from
		// SO_ERROR.
		s.blockOn(fd, EventWrite)
		code, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("cem: getsockopt: %w", gerr)
		}
		if code != 0 {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("cem: connect %s: %w", addr, unix.Errno(code))
		}
	default:
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cem: connect %s: %w", addr, err)
	}
	return &Conn{r: s.r, fd: fd}, nil
}
