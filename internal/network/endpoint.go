package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/basestation/internal/monitoring"
)

// DefaultReadTimeout bounds each blocking read so the receive loop can
// observe a stop request.
const DefaultReadTimeout = 100 * time.Millisecond

// maxDatagramSize is the largest UDP payload we accept.
const maxDatagramSize = 64 * 1024

var (
	// ErrNotConnected is returned by Send when the link is down.
	ErrNotConnected = errors.New("link not connected")
	// ErrAlreadyConnected is returned by Connect on a live link.
	ErrAlreadyConnected = errors.New("link already connected")
)

// LinkStats receives per-link traffic counters.
type LinkStats interface {
	AddReceived(bytes int)
	AddSendFailure()
}

type noopStats struct{}

func (noopStats) AddReceived(int) {}
func (noopStats) AddSendFailure() {}

// EndpointConfig describes one robot's datagram endpoint pair.
type EndpointConfig struct {
	// Name labels log lines, usually the robot name.
	Name       string
	RemoteHost string
	RemotePort int
	LocalPort  int
	// Factory creates the local socket. Defaults to the real network.
	Factory UDPSocketFactory
	// Stats is optional.
	Stats LinkStats
	// ReadTimeout is the polling interval of the receive loop.
	ReadTimeout time.Duration
	// OnDrop is called from the receive loop when the link tears itself
	// down after a socket error. It is not called for Disconnect.
	OnDrop func(error)
}

// EndpointLink is a bidirectional datagram channel to a single robot. It
// sends to RemoteHost:RemotePort and receives on LocalPort.
type EndpointLink struct {
	remote      string
	localPort   int
	readTimeout time.Duration
	factory     UDPSocketFactory
	stats       LinkStats
	logf        func(string, ...interface{})
	handler     func(string)
	onDrop      func(error)

	mu         sync.Mutex
	conn       UDPSocket
	remoteAddr *net.UDPAddr
	connected  bool
	stop       chan struct{}
	done       chan struct{}

	// handlerMu serializes handler invocations so the consumer sees one
	// message at a time per link.
	handlerMu sync.Mutex
}

// NewEndpointLink creates a disconnected link. handler receives every
// datagram as text; it may be nil.
func NewEndpointLink(cfg EndpointConfig, handler func(string)) *EndpointLink {
	factory := cfg.Factory
	if factory == nil {
		factory = NewRealUDPSocketFactory()
	}
	var stats LinkStats = noopStats{}
	if cfg.Stats != nil {
		stats = cfg.Stats
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	name := cfg.Name
	if name == "" {
		name = "endpoint"
	}
	return &EndpointLink{
		remote:      net.JoinHostPort(cfg.RemoteHost, strconv.Itoa(cfg.RemotePort)),
		localPort:   cfg.LocalPort,
		readTimeout: readTimeout,
		factory:     factory,
		stats:       stats,
		logf:        monitoring.Component(name),
		handler:     handler,
		onDrop:      cfg.OnDrop,
	}
}

// Connect binds the local port and starts the receive loop.
func (l *EndpointLink) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connected {
		return ErrAlreadyConnected
	}
	// A loop that tore itself down has already cleared connected and only
	// has close(done) left to run.
	if l.done != nil {
		<-l.done
		l.done = nil
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", l.remote)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", l.remote, err)
	}
	conn, err := l.factory.ListenUDP("udp", &net.UDPAddr{Port: l.localPort})
	if err != nil {
		return fmt.Errorf("bind udp :%d: %w", l.localPort, err)
	}

	l.conn = conn
	l.remoteAddr = remoteAddr
	l.connected = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.receiveLoop(conn, l.stop, l.done)

	l.logf("listening on %s, sending to %s", conn.LocalAddr(), l.remote)
	return nil
}

// Send writes msg as a single datagram to the robot.
func (l *EndpointLink) Send(msg []byte) error {
	l.mu.Lock()
	conn, addr, connected := l.conn, l.remoteAddr, l.connected
	l.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.WriteToUDP(msg, addr); err != nil {
		l.stats.AddSendFailure()
		l.logf("send to %s failed: %v", l.remote, err)
		return fmt.Errorf("send to %s: %w", l.remote, err)
	}
	return nil
}

// Disconnect stops the receive loop and releases the socket. It returns
// once the loop has exited and is safe to call repeatedly.
func (l *EndpointLink) Disconnect() {
	l.mu.Lock()
	conn, stop, done := l.conn, l.stop, l.done
	wasConnected := l.connected
	l.conn = nil
	l.connected = false
	l.stop = nil
	l.done = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	if wasConnected {
		l.logf("disconnected")
	}
}

// Connected reports whether the link is bound and receiving.
func (l *EndpointLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// LocalAddr returns the bound local address, or nil when disconnected.
func (l *EndpointLink) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *EndpointLink) receiveLoop(conn UDPSocket, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
			l.fail(conn, stop, fmt.Errorf("set read deadline: %w", err))
			return
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.fail(conn, stop, err)
			return
		}

		l.stats.AddReceived(n)
		l.deliver(string(buf[:n]))
	}
}

func (l *EndpointLink) deliver(msg string) {
	if l.handler == nil {
		return
	}
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.handler(msg)
}

// fail ends the receive loop on a socket error. Errors caused by a
// concurrent Disconnect are ignored.
func (l *EndpointLink) fail(conn UDPSocket, stop <-chan struct{}, err error) {
	select {
	case <-stop:
		return
	default:
	}
	l.logf("receive error: %v", err)
	if l.release(conn) && l.onDrop != nil {
		l.onDrop(err)
	}
}

// release marks the link disconnected after the loop failed on its own. It
// reports whether conn was still the link's socket.
func (l *EndpointLink) release(conn UDPSocket) bool {
	l.mu.Lock()
	current := l.conn == conn
	if current {
		l.conn = nil
		l.connected = false
		l.stop = nil
	}
	l.mu.Unlock()
	conn.Close()
	return current
}
