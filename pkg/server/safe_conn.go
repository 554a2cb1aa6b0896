package server

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/aeolun/quectocraft/pkg/protocol"
)

// SafeConn wraps a net.Conn with write synchronization so frames from the
// server loop and the console never interleave on the wire.
//
// Reads are buffered and must only happen from the connection's reader
// goroutine.
type SafeConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration
	mu           sync.Mutex // Protects writes to conn
	closeOnce    sync.Once
}

// NewSafeConn wraps a net.Conn. A zero writeTimeout disables write deadlines.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

// WritePacket encodes p and sends it as one frame
func (sc *SafeConn) WritePacket(p protocol.Packet) error {
	data, err := protocol.EncodeMessage(p)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes writes raw bytes to the connection with synchronization.
// Used for frames encoded once and sent to many connections.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.writeTimeout > 0 {
		if err := sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := sc.conn.Write(data)
	return err
}

// ReadFrame reads a protocol frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(sc.reader)
}

// Close shuts the socket down in both directions. Safe to call repeatedly.
func (sc *SafeConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		err = sc.conn.Close()
	})
	return err
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
