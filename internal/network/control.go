package network

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/basestation/internal/monitoring"
)

// MessageConnected is delivered to OnLine when the RefBox accepts the
// connection.
const MessageConnected = "Connection Established"

const (
	refusedPrefix = "RefBox connection refused"
	errorPrefix   = "RefBox connection error"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultStopTimeout = 2 * time.Second
)

// IsFailureNotice reports whether line is a synthesized connection failure
// notice rather than RefBox traffic.
func IsFailureNotice(line string) bool {
	return strings.HasPrefix(line, refusedPrefix) || strings.HasPrefix(line, errorPrefix)
}

// Dialer opens the RefBox stream. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ControlConfig locates the RefBox.
type ControlConfig struct {
	Host        string
	Port        int
	DialTimeout time.Duration
	StopTimeout time.Duration
	// Dialer overrides the network dialer, mainly for tests.
	Dialer Dialer
}

// ControlLink maintains a line-oriented stream connection to the referee
// box. Running means the operator wants the link up; Connected means a
// stream is currently established. A failed connection attempt clears
// Connected but leaves Running set.
type ControlLink struct {
	addr        string
	dialer      Dialer
	stopTimeout time.Duration
	logf        func(string, ...interface{})

	// OnLine receives every non-empty trimmed line as well as the
	// connection and failure notices. Set before Connect.
	OnLine func(string)
	// OnDisconnect fires exactly once each time the background task ends.
	OnDisconnect func()

	mu        sync.Mutex
	conn      net.Conn
	running   bool
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

// NewControlLink creates a stopped link.
func NewControlLink(cfg ControlConfig) *ControlLink {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: dialTimeout}
	}
	return &ControlLink{
		addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		dialer:      dialer,
		stopTimeout: stopTimeout,
		logf:        monitoring.Component("refbox"),
	}
}

// Addr returns the RefBox address.
func (l *ControlLink) Addr() string {
	return l.addr
}

// Connect starts the background connection task. It is a no-op while a
// wanted task is still alive. When a stopped task has not exited yet, the
// new task starts as soon as it does.
func (l *ControlLink) Connect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	var prev chan struct{}
	if l.done != nil {
		select {
		case <-l.done:
		default:
			if l.running {
				return
			}
			prev = l.done
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.running = true
	l.cancel = cancel
	l.done = done
	go func() {
		if prev != nil {
			<-prev
		}
		l.run(ctx, done)
	}()
}

// Stop closes the connection and waits, up to the stop timeout, for the
// background task to exit.
func (l *ControlLink) Stop() {
	l.mu.Lock()
	l.running = false
	l.connected = false
	conn, cancel, done := l.conn, l.cancel, l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		conn.Close()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(l.stopTimeout):
		l.logf("background task did not exit within %v", l.stopTimeout)
	}
}

// Send writes one newline-terminated line to the RefBox.
func (l *ControlLink) Send(line string) error {
	l.mu.Lock()
	conn, connected := l.conn, l.connected
	l.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(l.stopTimeout))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write to refbox: %w", err)
	}
	return nil
}

// Connected reports whether a stream is established.
func (l *ControlLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Running reports whether the operator has asked for the link to be up.
func (l *ControlLink) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *ControlLink) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	conn, err := l.dialer.DialContext(ctx, "tcp", l.addr)
	if err != nil {
		if l.wanted(ctx) {
			l.logf("connect to %s failed: %v", l.addr, err)
			l.emit(fmt.Sprintf("%s: %v", refusedPrefix, err))
		}
		l.finish(nil)
		return
	}

	l.mu.Lock()
	if !l.running || ctx.Err() != nil {
		l.mu.Unlock()
		l.finish(conn)
		return
	}
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	l.logf("connected to %s", l.addr)
	l.emit(MessageConnected)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		if !l.wanted(ctx) {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		l.emit(line)
	}
	if err := scanner.Err(); err != nil && l.wanted(ctx) {
		l.logf("read from %s failed: %v", l.addr, err)
		l.emit(fmt.Sprintf("%s: %v", errorPrefix, err))
	}
	l.finish(conn)
}

// wanted reports whether the task owning ctx should keep going. A task
// cancelled by Stop stays unwanted even if Connect runs again.
func (l *ControlLink) wanted(ctx context.Context) bool {
	return ctx.Err() == nil && l.Running()
}

func (l *ControlLink) finish(conn net.Conn) {
	l.mu.Lock()
	l.connected = false
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
		l.logf("connection to %s closed", l.addr)
	}
	if l.OnDisconnect != nil {
		l.OnDisconnect()
	}
}

func (l *ControlLink) emit(line string) {
	if l.OnLine != nil {
		l.OnLine(line)
	}
}
