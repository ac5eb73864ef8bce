package network

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures ControlLink callbacks.
type recorder struct {
	mu          sync.Mutex
	lines       []string
	disconnects int
	lineCh      chan string
	discCh      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{lineCh: make(chan string, 32), discCh: make(chan struct{}, 8)}
}

func (r *recorder) attach(l *ControlLink) {
	l.OnLine = func(line string) {
		r.mu.Lock()
		r.lines = append(r.lines, line)
		r.mu.Unlock()
		r.lineCh <- line
	}
	l.OnDisconnect = func() {
		r.mu.Lock()
		r.disconnects++
		r.mu.Unlock()
		r.discCh <- struct{}{}
	}
}

func (r *recorder) waitLine(t *testing.T) string {
	t.Helper()
	select {
	case line := <-r.lineCh:
		return line
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

func (r *recorder) waitDisconnect(t *testing.T) {
	t.Helper()
	select {
	case <-r.discCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
}

func (r *recorder) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...), r.disconnects
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestControlLink_ReceivesTrimmedLines(t *testing.T) {
	ln, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("STOP\n\n   \n  START  \r\n"))
		conn.Close()
	}()

	link := NewControlLink(ControlConfig{Host: "127.0.0.1", Port: port})
	rec := newRecorder()
	rec.attach(link)
	link.Connect()

	assert.Equal(t, MessageConnected, rec.waitLine(t))
	assert.Equal(t, "STOP", rec.waitLine(t))
	assert.Equal(t, "START", rec.waitLine(t))
	rec.waitDisconnect(t)

	lines, disconnects := rec.snapshot()
	assert.Equal(t, []string{MessageConnected, "STOP", "START"}, lines)
	assert.Equal(t, 1, disconnects)
	assert.False(t, link.Connected())
	assert.True(t, link.Running(), "peer close leaves the operator intent alone")
}

func TestControlLink_RefusalEmitsOneNotice(t *testing.T) {
	ln, port := listen(t)
	ln.Close()

	link := NewControlLink(ControlConfig{Host: "127.0.0.1", Port: port})
	rec := newRecorder()
	var sawConnected bool
	link.OnLine = func(line string) {
		if link.Connected() {
			sawConnected = true
		}
		rec.mu.Lock()
		rec.lines = append(rec.lines, line)
		rec.mu.Unlock()
		rec.lineCh <- line
	}
	link.OnDisconnect = func() {
		rec.mu.Lock()
		rec.disconnects++
		rec.mu.Unlock()
		rec.discCh <- struct{}{}
	}

	link.Connect()
	notice := rec.waitLine(t)
	rec.waitDisconnect(t)

	assert.True(t, IsFailureNotice(notice), notice)
	assert.Contains(t, notice, "refused")
	lines, disconnects := rec.snapshot()
	assert.Len(t, lines, 1)
	assert.Equal(t, 1, disconnects)
	assert.False(t, sawConnected)
	assert.False(t, link.Connected())
	assert.True(t, link.Running())
}

func TestControlLink_ConnectWhileAliveIsNoop(t *testing.T) {
	ln, port := listen(t)
	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	link := NewControlLink(ControlConfig{Host: "127.0.0.1", Port: port})
	rec := newRecorder()
	rec.attach(link)
	link.Connect()
	assert.Equal(t, MessageConnected, rec.waitLine(t))

	link.Connect()
	link.Connect()

	server := <-accepted
	defer server.Close()
	select {
	case extra := <-accepted:
		extra.Close()
		t.Fatal("second connection opened while the first was alive")
	case <-time.After(200 * time.Millisecond):
	}
	link.Stop()
}

func TestControlLink_StopIsBoundedAndSilent(t *testing.T) {
	ln, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Hold the connection open until the client goes away.
		bufio.NewReader(conn).ReadString('\n')
		conn.Close()
	}()

	link := NewControlLink(ControlConfig{Host: "127.0.0.1", Port: port})
	rec := newRecorder()
	rec.attach(link)
	link.Connect()
	require.Equal(t, MessageConnected, rec.waitLine(t))
	assert.True(t, link.Connected())

	start := time.Now()
	link.Stop()
	assert.Less(t, time.Since(start), 2500*time.Millisecond)
	rec.waitDisconnect(t)

	lines, disconnects := rec.snapshot()
	assert.Equal(t, []string{MessageConnected}, lines, "no failure notice after stop")
	assert.Equal(t, 1, disconnects)
	assert.False(t, link.Connected())
	assert.False(t, link.Running())
}

func TestControlLink_ConnectAfterSlowStopReconnects(t *testing.T) {
	ln, port := listen(t)
	accepted := make(chan net.Conn, 4)
	go func() {
		first := true
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if first {
				conn.Write([]byte("HALT\n"))
				first = false
			}
			accepted <- conn
		}
	}()
	t.Cleanup(func() {
		for {
			select {
			case conn := <-accepted:
				conn.Close()
			default:
				return
			}
		}
	})

	link := NewControlLink(ControlConfig{Host: "127.0.0.1", Port: port, StopTimeout: 100 * time.Millisecond})
	halted := make(chan struct{}, 1)
	link.OnLine = func(line string) {
		if line == "HALT" {
			halted <- struct{}{}
			// A slow consumer keeps the task from exiting within StopTimeout.
			time.Sleep(500 * time.Millisecond)
		}
	}
	link.Connect()
	select {
	case <-halted:
	case <-time.After(3 * time.Second):
		t.Fatal("HALT not delivered")
	}

	link.Stop()
	link.Connect()
	assert.True(t, link.Running(), "reconnect request is kept")

	require.Eventually(t, link.Connected, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(accepted) == 2 }, time.Second, 10*time.Millisecond)
	link.Stop()
}

func TestControlLink_Send(t *testing.T) {
	ln, port := listen(t)
	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	link := NewControlLink(ControlConfig{Host: "127.0.0.1", Port: port})
	assert.ErrorIs(t, link.Send("HELLO"), ErrNotConnected)

	rec := newRecorder()
	rec.attach(link)
	link.Connect()
	require.Equal(t, MessageConnected, rec.waitLine(t))
	require.NoError(t, link.Send("HELLO"))

	select {
	case line := <-received:
		assert.Equal(t, "HELLO\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the line")
	}
	link.Stop()
}

func TestIsFailureNotice(t *testing.T) {
	assert.True(t, IsFailureNotice("RefBox connection refused: dial tcp: refused"))
	assert.True(t, IsFailureNotice("RefBox connection error: reset"))
	assert.False(t, IsFailureNotice(MessageConnected))
	assert.False(t, IsFailureNotice("KICKOFF"))
}
