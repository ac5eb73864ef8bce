package network

import (
	"net"
	"sync"
	"time"
)

// MockUDPSocket implements UDPSocket for testing. Reads block until a
// datagram is delivered, the read deadline passes, an error is injected or
// the socket is closed, which mirrors how a real socket behaves inside an
// EndpointLink receive loop.
type MockUDPSocket struct {
	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
	// Peer is reported as the source of delivered datagrams.
	Peer *net.UDPAddr

	inbound chan []byte
	errs    chan error
	closed  chan struct{}

	mu          sync.Mutex
	closeOnce   sync.Once
	deadline    time.Time
	written     []MockDatagram
	writeError  error
	deadlineErr error
	closeCalls  int
}

// MockDatagram records one WriteToUDP call.
type MockDatagram struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket creates a MockUDPSocket bound to a fake local address.
func NewMockUDPSocket() *MockUDPSocket {
	return &MockUDPSocket{
		LocalAddress: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000},
		Peer:         &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6000},
		inbound:      make(chan []byte, 64),
		errs:         make(chan error, 1),
		closed:       make(chan struct{}),
	}
}

// Deliver queues a datagram for the next read.
func (m *MockUDPSocket) Deliver(data []byte) {
	m.inbound <- append([]byte(nil), data...)
}

// FailRead makes the pending or next read return err.
func (m *MockUDPSocket) FailRead(err error) {
	m.errs <- err
}

// FailWrites makes every subsequent WriteToUDP return err.
func (m *MockUDPSocket) FailWrites(err error) {
	m.mu.Lock()
	m.writeError = err
	m.mu.Unlock()
}

// FailDeadlines makes every subsequent SetReadDeadline return err.
func (m *MockUDPSocket) FailDeadlines(err error) {
	m.mu.Lock()
	m.deadlineErr = err
	m.mu.Unlock()
}

// Written returns the datagrams sent so far.
func (m *MockUDPSocket) Written() []MockDatagram {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockDatagram(nil), m.written...)
}

// Closed reports whether Close has been called.
func (m *MockUDPSocket) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// ReadFromUDP blocks for the next datagram.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	deadline := m.deadline
	m.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-m.closed:
		return 0, nil, net.ErrClosed
	case err := <-m.errs:
		return 0, nil, err
	case data := <-m.inbound:
		return copy(b, data), m.Peer, nil
	case <-timeout:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
}

// WriteToUDP records the datagram.
func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	if m.Closed() {
		return 0, net.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeError != nil {
		return 0, m.writeError
	}
	m.written = append(m.written, MockDatagram{Data: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

// SetReadDeadline records the deadline.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deadlineErr != nil {
		return m.deadlineErr
	}
	m.deadline = t
	return nil
}

// Close marks the socket as closed and wakes any pending read.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.closeCalls++
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	mu sync.Mutex
	// Socket is the socket to return from ListenUDP.
	Socket *MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error
	// ListenCalls records all ListenUDP calls.
	ListenCalls []MockListenCall
}

// MockListenCall records a call to ListenUDP.
type MockListenCall struct {
	Network string
	Addr    *net.UDPAddr
}

// NewMockUDPSocketFactory creates a new MockUDPSocketFactory.
func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListenCalls = append(f.ListenCalls, MockListenCall{Network: network, Addr: laddr})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
