package replay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/network"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type capturedDatagram struct {
	at      time.Time
	dstPort uint16
	payload string
}

func udpFrame(t *testing.T, dstPort uint16, payload string) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 21),
		DstIP:    net.IPv4(192, 168, 1, 2),
	}
	udp := &layers.UDP{SrcPort: 5001, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func writeCapture(t *testing.T, datagrams []capturedDatagram) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, d := range datagrams {
		frame := udpFrame(t, d.dstPort, d.payload)
		ci := gopacket.CaptureInfo{Timestamp: d.at, CaptureLength: len(frame), Length: len(frame)}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	return &out
}

func TestRun_FiltersByPort(t *testing.T) {
	start := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	capture := writeCapture(t, []capturedDatagram{
		{start, 6001, `{"ball_position": [1, 2]}`},
		{start.Add(time.Millisecond), 6002, `{"ball_position": [3, 4]}`},
		{start.Add(2 * time.Millisecond), 6001, `{"obstacles": []}`},
	})

	sock := network.NewMockUDPSocket()
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7001}
	stats, err := Run(context.Background(), capture, sock, Config{Port: 6001, Target: target, NoDelay: true})
	require.NoError(t, err)

	assert.Equal(t, Stats{Packets: 3, Sent: 2, Skipped: 1, Bytes: len(`{"ball_position": [1, 2]}`) + len(`{"obstacles": []}`)}, stats)
	written := sock.Written()
	require.Len(t, written, 2)
	assert.Equal(t, `{"ball_position": [1, 2]}`, string(written[0].Data))
	assert.Equal(t, `{"obstacles": []}`, string(written[1].Data))
	assert.Equal(t, target, written[0].Addr)
}

func TestRun_AllPortsAndPacing(t *testing.T) {
	start := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	capture := writeCapture(t, []capturedDatagram{
		{start, 6001, "a"},
		{start.Add(400 * time.Millisecond), 6002, "b"},
	})

	sock := network.NewMockUDPSocket()
	began := time.Now()
	stats, err := Run(context.Background(), capture, sock, Config{
		Target:          &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7001},
		SpeedMultiplier: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sent)
	assert.GreaterOrEqual(t, time.Since(began), 100*time.Millisecond)
}

func TestRun_SendFailuresAreCounted(t *testing.T) {
	capture := writeCapture(t, []capturedDatagram{{time.Now(), 6001, "x"}})
	sock := network.NewMockUDPSocket()
	sock.FailWrites(errors.New("network unreachable"))

	stats, err := Run(context.Background(), capture, sock, Config{Target: &net.UDPAddr{Port: 7001}, NoDelay: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 0, stats.Sent)
}

func TestRun_Errors(t *testing.T) {
	sock := network.NewMockUDPSocket()

	_, err := Run(context.Background(), strings.NewReader("not a pcap"), sock, Config{Target: &net.UDPAddr{Port: 1}})
	assert.Error(t, err)

	_, err = Run(context.Background(), writeCapture(t, nil), sock, Config{})
	assert.Error(t, err, "target is required")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	capture := writeCapture(t, []capturedDatagram{{time.Now(), 6001, "x"}})
	_, err = Run(ctx, capture, sock, Config{Target: &net.UDPAddr{Port: 1}})
	assert.ErrorIs(t, err, context.Canceled)
}
