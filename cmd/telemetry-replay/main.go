// Command telemetry-replay resends robot telemetry captured in a pcap file
// to a running base station.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/basestation/internal/network"
	"github.com/banshee-data/basestation/internal/replay"
	"github.com/banshee-data/basestation/internal/version"
)

var (
	pcapFile    = flag.String("pcap", "", "Capture file to replay (required)")
	capturePort = flag.Int("capture-port", 0, "Only replay datagrams sent to this UDP port (0 = all)")
	target      = flag.String("target", "127.0.0.1:6001", "Base station address to send telemetry to")
	speed       = flag.Float64("speed", 1.0, "Replay speed multiplier (1.0 = original timing)")
	noDelay     = flag.Bool("no-delay", false, "Send every datagram back to back")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *pcapFile == "" {
		log.Fatal("-pcap is required")
	}

	addr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		log.Fatalf("invalid target %q: %v", *target, err)
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer f.Close()

	sock, err := network.NewRealUDPSocketFactory().ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		log.Fatalf("failed to open socket: %v", err)
	}
	defer sock.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("replaying %s to %s (speed %.1fx)", *pcapFile, addr, *speed)
	stats, err := replay.Run(ctx, f, sock, replay.Config{
		Port:            *capturePort,
		Target:          addr,
		SpeedMultiplier: *speed,
		NoDelay:         *noDelay,
	})
	if err != nil && err != context.Canceled {
		log.Fatalf("replay failed: %v", err)
	}
	log.Printf("sent %d datagrams (%d bytes), skipped %d, failed %d", stats.Sent, stats.Bytes, stats.Skipped, stats.Failures)
}
