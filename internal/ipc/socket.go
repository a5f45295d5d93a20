// Package ipc exposes the receiver's accept surface: a unix control
// socket over which the portal hands us the server side of a freshly
// created remote-input channel as a file descriptor (SCM_RIGHTS),
// plus a small status query for tooling. Authentication of callers is
// the portal's concern, not ours; socket permissions gate access.
package ipc

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wlkit/reseat/internal/logger"
)

// Control socket operations and reply codes.
const (
	OpAccept byte = 0x01
	OpStatus byte = 0x02

	StatusOK      byte = 0x00
	StatusRefused byte = 0x01
)

// oobSpace is sized for one SCM_RIGHTS descriptor.
var oobSpace = unix.CmsgSpace(4)

// Handler is the subsystem behind the control socket.
type Handler interface {
	// Accept takes ownership of one connected channel and starts a
	// session for it. An error refuses the call with no session
	// created.
	Accept(conn net.Conn) error
	// SessionCount reports live sessions for the status query.
	SessionCount() int
}

// SocketServer serves the control socket.
type SocketServer struct {
	mu         sync.Mutex
	listener   *net.UnixListener
	socketPath string
	handler    Handler
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	running    bool
	conns      map[*net.UnixConn]struct{}
}

// NewSocketServer creates a server for the given path; an empty path
// selects the per-user default.
func NewSocketServer(socketPath string, handler Handler) (*SocketServer, error) {
	if socketPath == "" {
		var err error
		socketPath, err = DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &SocketServer{
		socketPath: socketPath,
		handler:    handler,
		conns:      make(map[*net.UnixConn]struct{}),
	}, nil
}

// Start begins accepting control connections.
func (s *SocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bad socket path: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to create socket listener: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptConnections(ctx)

	logger.Infof("Control socket listening at %s", s.socketPath)
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *SocketServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.mu.Lock()
	os.RemoveAll(s.socketPath)

	logger.Info("Control socket stopped")
}

func (s *SocketServer) acceptConnections(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Errorf("Failed to accept control connection: %v", err)
				continue
			}
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				conn.Close()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection serves one control connection: a sequence of
// requests, each answered with a status byte.
func (s *SocketServer) handleConnection(conn *net.UnixConn) {
	buf := make([]byte, 1)
	oob := make([]byte, oobSpace)

	for {
		n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if err != nil {
			return
		}
		if n < 1 {
			continue
		}

		switch buf[0] {
		case OpAccept:
			s.handleAccept(conn, oob[:oobn])
		case OpStatus:
			s.handleStatus(conn)
		default:
			logger.Warnf("Unknown control operation 0x%02x", buf[0])
			s.reply(conn, StatusRefused)
			return
		}
	}
}

// handleAccept validates the passed descriptor and hands it to the
// receiver. A malformed call is rejected synchronously; the registry
// is never touched.
func (s *SocketServer) handleAccept(conn *net.UnixConn, oob []byte) {
	channel, err := channelFromOOB(oob)
	if err != nil {
		logger.Warnf("Rejecting accept call: %v", err)
		s.reply(conn, StatusRefused)
		return
	}

	if err := s.handler.Accept(channel); err != nil {
		logger.Warnf("Receiver refused channel: %v", err)
		s.reply(conn, StatusRefused)
		return
	}
	s.reply(conn, StatusOK)
}

func (s *SocketServer) handleStatus(conn *net.UnixConn) {
	resp := make([]byte, 5)
	resp[0] = StatusOK
	binary.BigEndian.PutUint32(resp[1:], uint32(s.handler.SessionCount()))
	if _, err := conn.Write(resp); err != nil {
		logger.Debugf("Failed to send status response: %v", err)
	}
}

func (s *SocketServer) reply(conn *net.UnixConn, status byte) {
	if _, err := conn.Write([]byte{status}); err != nil {
		logger.Debugf("Failed to send control reply: %v", err)
	}
}

// channelFromOOB extracts exactly one connected stream socket from
// SCM_RIGHTS control data and wraps it as a net.Conn.
func channelFromOOB(oob []byte) (net.Conn, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("bad control data: %w", err)
	}
	if len(msgs) != 1 {
		return nil, fmt.Errorf("expected one control message, got %d", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, fmt.Errorf("control message carries no descriptor: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("expected one descriptor, got %d", len(fds))
	}
	fd := fds[0]

	if err := validateChannelFD(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	file := os.NewFile(uintptr(fd), "remote-input-channel")
	conn, err := net.FileConn(file)
	// FileConn duplicates the descriptor; the original must go either
	// way.
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("descriptor is not usable as a connection: %w", err)
	}
	return conn, nil
}

// validateChannelFD checks the precondition on the passed descriptor:
// a connected, bidirectional stream socket.
func validateChannelFD(fd int) error {
	unix.CloseOnExec(fd)

	soType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return fmt.Errorf("descriptor is not a socket: %w", err)
	}
	if soType != unix.SOCK_STREAM && soType != unix.SOCK_SEQPACKET {
		return fmt.Errorf("descriptor is not a stream socket (type %d)", soType)
	}
	if _, err := unix.Getpeername(fd); err != nil {
		return fmt.Errorf("descriptor is not connected: %w", err)
	}
	return nil
}

// DefaultSocketPath returns the per-user control socket path.
func DefaultSocketPath() (string, error) {
	currentUser, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to get current user: %w", err)
	}
	return filepath.Join("/tmp", fmt.Sprintf("reseat-%s.sock", currentUser.Username)), nil
}
