// Package replay resends robot telemetry captured in a pcap file to a base
// station, keeping the original packet spacing scaled by a speed factor.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/network"
)

// Config controls one replay run.
type Config struct {
	// Port selects captured datagrams by UDP destination port. Zero replays
	// every UDP payload.
	Port int
	// Target receives the payloads.
	Target *net.UDPAddr
	// SpeedMultiplier scales timing: 1.0 is real time, 2.0 twice as fast.
	// Values <= 0 mean 1.0.
	SpeedMultiplier float64
	// NoDelay sends everything back to back.
	NoDelay bool
}

// Stats summarises a run.
type Stats struct {
	Packets  int
	Sent     int
	Skipped  int
	Failures int
	Bytes    int
}

// Run reads a pcap stream from r and writes matching UDP payloads to
// cfg.Target through sock. It returns when the capture ends or ctx is done.
func Run(ctx context.Context, r io.Reader, sock network.UDPSocket, cfg Config) (Stats, error) {
	var stats Stats
	if cfg.Target == nil {
		return stats, errors.New("replay target is required")
	}
	speed := cfg.SpeedMultiplier
	if speed <= 0 {
		speed = 1.0
	}

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to read pcap header: %w", err)
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true}

	var lastCapture time.Time
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		packet, err := source.NextPacket()
		if err == io.EOF {
			monitoring.Logf("replay complete: %d packets, %d sent, %d skipped", stats.Packets, stats.Sent, stats.Skipped)
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		payload, ok := udpPayload(packet, cfg.Port)
		if !ok {
			stats.Skipped++
			continue
		}

		captured := packet.Metadata().Timestamp
		if !cfg.NoDelay && !lastCapture.IsZero() {
			delay := time.Duration(float64(captured.Sub(lastCapture)) / speed)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(delay):
				}
			}
		}
		lastCapture = captured

		if _, err := sock.WriteToUDP(payload, cfg.Target); err != nil {
			stats.Failures++
			monitoring.Logf("replay send failed: %v", err)
			continue
		}
		stats.Sent++
		stats.Bytes += len(payload)
	}
}

func udpPayload(packet gopacket.Packet, port int) ([]byte, bool) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil, false
	}
	if port != 0 && int(udp.DstPort) != port {
		return nil, false
	}
	if len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}
