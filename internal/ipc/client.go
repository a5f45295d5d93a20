package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ErrRefused is returned when the receiver rejects a control request.
var ErrRefused = errors.New("ipc: request refused")

// Client talks to a running receiver's control socket. It is what a
// portal uses to hand over a channel descriptor, and what tooling
// uses for status queries.
type Client struct {
	conn *net.UnixConn
}

// Dial connects to the control socket; an empty path selects the
// per-user default.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		var err error
		socketPath, err = DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("bad socket path: %w", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control socket: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the control connection.
func (c *Client) Close() error { return c.conn.Close() }

// SendChannel passes the server side of a remote-input channel to the
// receiver. The descriptor is duplicated into the receiving process;
// the caller keeps ownership of file.
func (c *Client) SendChannel(file *os.File) error {
	rights := unix.UnixRights(int(file.Fd()))
	if _, _, err := c.conn.WriteMsgUnix([]byte{OpAccept}, rights, nil); err != nil {
		return fmt.Errorf("failed to send channel descriptor: %w", err)
	}
	return c.readStatus()
}

// Status returns the number of live sessions in the receiver.
func (c *Client) Status() (int, error) {
	if _, err := c.conn.Write([]byte{OpStatus}); err != nil {
		return 0, fmt.Errorf("failed to send status query: %w", err)
	}
	if err := c.readStatus(); err != nil {
		return 0, err
	}
	var count uint32
	if err := binary.Read(c.conn, binary.BigEndian, &count); err != nil {
		return 0, fmt.Errorf("failed to read session count: %w", err)
	}
	return int(count), nil
}

func (c *Client) readStatus() error {
	status := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, status); err != nil {
		return fmt.Errorf("failed to read control reply: %w", err)
	}
	if status[0] != StatusOK {
		return ErrRefused
	}
	return nil
}
