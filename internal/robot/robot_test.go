package robot

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/basestation/internal/geom"
	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/network"
	"github.com/banshee-data/basestation/internal/protocol"
	"github.com/banshee-data/basestation/internal/timeutil"
)

type fakeLink struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	connectCalls int
	sent         [][]byte
}

func (f *fakeLink) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeLink) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), msg...))
	return nil
}

func (f *fakeLink) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

func managedConfig() Config {
	return Config{
		ID:          "1",
		Name:        "Player 1",
		Color:       "blue",
		RemoteHost:  "127.0.0.1",
		SendPort:    5001,
		ListenPort:  6001,
		InitialPose: geom.Pose{X: 1, Y: 1},
	}
}

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func TestHandleTelemetry_FieldIndependentUpdates(t *testing.T) {
	r := New(managedConfig(), WithLink(&fakeLink{}))

	r.HandleTelemetry(`{"position":[2,3,0.5]}`)
	r.HandleTelemetry(`{"ball_position":[4,5]}`)
	r.HandleTelemetry(`{"obstacles":[[1,1],[2,2]]}`)

	s := r.State()
	assert.Equal(t, geom.Pose{X: 2, Y: 3, Heading: 0.5}, s.Pose)
	require.NotNil(t, s.Ball)
	assert.Equal(t, geom.Point{X: 4, Y: 5}, *s.Ball)
	assert.Equal(t, []geom.Point{{X: 1, Y: 1}, {X: 2, Y: 2}}, s.Obstacles)

	// A record carrying only a pose leaves ball and obstacles alone.
	r.HandleTelemetry(`{"position":[0,0,0]}`)
	s = r.State()
	require.NotNil(t, s.Ball)
	assert.Len(t, s.Obstacles, 2)
}

func TestHandleTelemetry_NullClearsBall(t *testing.T) {
	r := New(managedConfig(), WithLink(&fakeLink{}))
	r.HandleTelemetry(`{"ball_position":[4,5]}`)
	r.HandleTelemetry(`{"position":[1,1,0]}`)
	assert.NotNil(t, r.State().Ball, "absent key keeps the ball")

	r.HandleTelemetry(`{"ball_position":null}`)
	assert.Nil(t, r.State().Ball)
}

func TestHandleTelemetry_MalformedLeavesStateUnchanged(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	r := New(managedConfig(), WithLink(&fakeLink{}), WithClock(clock))

	r.HandleTelemetry(`{"position":[2,2,1],"ball_position":[3,3]}`)
	before := r.State()
	seen := r.LastSeen()
	assert.Equal(t, clock.Now(), seen)

	clock.Advance(time.Second)
	for _, bad := range []string{
		`garbage`,
		`{"position":[9,9,9],"ball_position":"here"}`,
		`{"obstacles":[[1]]}`,
	} {
		r.HandleTelemetry(bad)
	}
	assert.Equal(t, before, r.State())
	assert.Equal(t, seen, r.LastSeen())
}

func TestSetParameters_Merges(t *testing.T) {
	r := New(managedConfig())
	r.SetParameters(protocol.Parameters{"battery_level": protocol.Number(42)})

	p := r.Parameters()
	assert.Equal(t, protocol.Number(42), p["battery_level"])
	assert.Equal(t, protocol.Number(2.0), p["max_speed"])
	assert.Len(t, p, len(DefaultParameters()))

	// Callers get a copy.
	p["max_speed"] = protocol.Number(0)
	assert.Equal(t, protocol.Number(2.0), r.Parameters()["max_speed"])
}

func TestConnect_Guards(t *testing.T) {
	unmanaged := New(Config{ID: "2", Name: "Player 2", RemoteHost: "127.0.0.1"})
	assert.False(t, unmanaged.Managed())
	assert.ErrorIs(t, unmanaged.Connect(), ErrNoLink)
	assert.False(t, unmanaged.Connected())
	unmanaged.Disconnect()

	link := &fakeLink{}
	r := New(managedConfig(), WithLink(link))
	require.NoError(t, r.Connect())
	require.NoError(t, r.Connect())
	assert.Equal(t, 1, link.connectCalls, "second connect is a no-op")
	assert.True(t, r.Connected())

	r.Disconnect()
	assert.False(t, r.Connected())
}

func TestConnect_FailureIsWrapped(t *testing.T) {
	link := &fakeLink{connectErr: errors.New("address in use")}
	r := New(managedConfig(), WithLink(link))

	err := r.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Player 1")
	assert.False(t, r.Connected())
}

func TestConnect_LostRaceCountsAsConnected(t *testing.T) {
	// Another caller connected the link between the check and the attempt.
	link := &fakeLink{connectErr: network.ErrAlreadyConnected}
	r := New(managedConfig(), WithLink(link))

	assert.NoError(t, r.Connect())
	assert.Equal(t, 1, link.connectCalls)
}

func TestDropHandlerSeesLinkFailure(t *testing.T) {
	sock := network.NewMockUDPSocket()
	drops := make(chan error, 1)
	r := New(managedConfig(),
		WithSocketFactory(network.NewMockUDPSocketFactory(sock)),
		WithDropHandler(func(err error) { drops <- err }),
	)
	require.NoError(t, r.Connect())

	sock.FailRead(errors.New("network is down"))
	select {
	case err := <-drops:
		assert.EqualError(t, err, "network is down")
	case <-time.After(2 * time.Second):
		t.Fatal("drop handler not called")
	}
	assert.False(t, r.Connected())
}

func TestSendCommand(t *testing.T) {
	link := &fakeLink{}
	r := New(managedConfig(), WithLink(link))

	assert.ErrorIs(t, r.SendCommand(protocol.Move(protocol.Forward)), ErrNotConnected)
	assert.Empty(t, link.messages())

	require.NoError(t, r.Connect())
	require.NoError(t, r.SendCommand(protocol.Move(protocol.Forward)))
	assert.ErrorIs(t, r.SendCommand(protocol.Move("upward")), protocol.ErrInvalidCommand)

	msgs := link.messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"type":"move","direction":"forward"}`, msgs[0])
}

func TestPushParameters(t *testing.T) {
	link := &fakeLink{}
	r := New(managedConfig(), WithLink(link))
	require.NoError(t, r.Connect())
	r.SetParameters(protocol.Parameters{"kick_power": protocol.Number(1)})

	require.NoError(t, r.PushParameters())
	msgs := link.messages()
	require.Len(t, msgs, 1)

	cmd, err := protocol.DecodeCommand([]byte(msgs[0]))
	require.NoError(t, err)
	sp, ok := cmd.(protocol.SetParametersCommand)
	require.True(t, ok)
	assert.Equal(t, protocol.Number(1), sp.Parameters["kick_power"])
	assert.Len(t, sp.Parameters, len(DefaultParameters()))
}

func TestOpponent(t *testing.T) {
	o := NewOpponent(Config{ID: "o1", Name: "Opponent 1", Color: "red", RemoteHost: "10.0.0.1", SendPort: 1, ListenPort: 2},
		WithLink(&fakeLink{}))
	assert.False(t, o.Managed())
	assert.ErrorIs(t, o.Connect(), ErrNoLink)

	o.SetPose(geom.Pose{X: 10, Y: 7, Heading: 180})
	s := o.State()
	assert.Equal(t, Opponent, s.Team)
	assert.Equal(t, geom.Pose{X: 10, Y: 7, Heading: 180}, s.Pose)
	assert.False(t, s.Connected)
}

func TestObservation(t *testing.T) {
	link := &fakeLink{}
	r := New(managedConfig(), WithLink(link))
	r.HandleTelemetry(`{"ball_position":[1,2],"obstacles":[[3,3]]}`)

	obs := r.Observation()
	assert.Equal(t, "1", obs.RobotID)
	assert.False(t, obs.Connected)

	require.NoError(t, r.Connect())
	obs = r.Observation()
	assert.True(t, obs.Connected)
	require.NotNil(t, obs.Ball)
	assert.Equal(t, geom.Point{X: 1, Y: 2}, *obs.Ball)

	obs.Obstacles[0] = geom.Point{}
	assert.Equal(t, []geom.Point{{X: 3, Y: 3}}, r.State().Obstacles)
}

func TestEndpointLinkFeedsTelemetry(t *testing.T) {
	sock := network.NewMockUDPSocket()
	factory := network.NewMockUDPSocketFactory(sock)
	r := New(managedConfig(), WithSocketFactory(factory))
	require.True(t, r.Managed())

	require.NoError(t, r.Connect())
	defer r.Disconnect()
	require.Len(t, factory.ListenCalls, 1)
	assert.Equal(t, 6001, factory.ListenCalls[0].Addr.Port)

	sock.Deliver([]byte(`{"position":[5,6,0]}`))
	require.Eventually(t, func() bool {
		return r.Pose() == geom.Pose{X: 5, Y: 6}
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.SendCommand(protocol.Control(protocol.Play)))
	written := sock.Written()
	require.Len(t, written, 1)
	assert.Equal(t, 5001, written[0].Addr.Port)
	assert.JSONEq(t, `{"type":"command","command":"PLAY"}`, string(written[0].Data))
}
