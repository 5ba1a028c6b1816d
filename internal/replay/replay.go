// Package replay feeds UDP payloads captured in a pcap or pcapng file
// through the ingestion handler, as if they had arrived on the listener.
package replay

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/vitals.report/internal/ingest"
	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/telemetry"
	"github.com/banshee-data/vitals.report/internal/timeutil"
)

// pcapngMagic is the block type of a pcapng section header.
const pcapngMagic = 0x0A0D0D0A

// Options controls a replay.
type Options struct {
	// Port keeps only UDP packets with this destination port. Zero keeps
	// every UDP packet.
	Port int
	// Clock, if set, is moved to each packet's capture time before the
	// packet is handled, so a handler built on it stamps readings with the
	// original receive time.
	Clock *timeutil.MockClock
	// Realtime sleeps between packets to reproduce the capture's pacing,
	// divided by Speed (default 1).
	Realtime bool
	Speed    float64
}

// Result summarises a replay.
type Result struct {
	Packets  int                    `json:"packets"`
	Replayed int                    `json:"replayed"`
	Outcomes map[ingest.Outcome]int `json:"-"`
	Duration time.Duration          `json:"duration"`
}

// ReadFile replays the capture at path.
func ReadFile(ctx context.Context, path string, opts Options, h ingest.DatagramHandler) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()
	return Read(ctx, f, opts, h)
}

// Read replays a pcap or pcapng stream.
func Read(ctx context.Context, r io.Reader, opts Options, h ingest.DatagramHandler) (Result, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read capture header: %w", err)
	}

	var (
		src      gopacket.PacketDataSource
		linkType layers.LinkType
	)
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read pcapng header: %w", err)
		}
		src, linkType = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read pcap header: %w", err)
		}
		src, linkType = pr, pr.LinkType()
	}

	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}

	res := Result{Outcomes: make(map[ingest.Outcome]int)}
	packetSource := gopacket.NewPacketSource(src, linkType)
	startTime := time.Now()
	var prevCapture time.Time

	for {
		select {
		case <-ctx.Done():
			res.Duration = time.Since(startTime)
			return res, ctx.Err()
		default:
		}

		packet, err := packetSource.NextPacket()
		if err == io.EOF {
			res.Duration = time.Since(startTime)
			monitoring.Logf("[replay] complete: %d packets read, %d replayed in %v", res.Packets, res.Replayed, res.Duration)
			return res, nil
		}
		if err != nil {
			res.Duration = time.Since(startTime)
			return res, fmt.Errorf("failed to read packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		payload, origin, ok := udpPayload(packet, opts.Port)
		if !ok {
			continue
		}

		captured := packet.Metadata().Timestamp
		if opts.Realtime && !prevCapture.IsZero() {
			if gap := captured.Sub(prevCapture); gap > 0 {
				select {
				case <-ctx.Done():
					res.Duration = time.Since(startTime)
					return res, ctx.Err()
				case <-time.After(time.Duration(float64(gap) / speed)):
				}
			}
		}
		prevCapture = captured
		if opts.Clock != nil {
			opts.Clock.Set(captured)
		}

		res.Replayed++
		res.Outcomes[h.HandleDatagram(payload, origin)]++
	}
}

// udpPayload extracts the UDP payload and sender of packet. ok is false for
// non-UDP packets, empty payloads, and packets to a different port.
func udpPayload(packet gopacket.Packet, port int) ([]byte, telemetry.Origin, bool) {
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return nil, telemetry.Origin{}, false
	}
	if port != 0 && int(udp.DstPort) != port {
		return nil, telemetry.Origin{}, false
	}

	origin := telemetry.Origin{Port: int(udp.SrcPort)}
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		origin.Address = ip.SrcIP.String()
	case *layers.IPv6:
		origin.Address = ip.SrcIP.String()
	}
	return udp.Payload, origin, true
}
