package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// UDPScheme prefixes live sources, e.g. "udp://0.0.0.0:2368".
const UDPScheme = "udp://"

// DefaultDataPort is the sensor's default data packet port.
const DefaultDataPort = 2368

// A live read gives up after maxReadErrors consecutive socket errors,
// pausing readErrorBackoff between attempts.
const (
	maxReadErrors    = 10
	readErrorBackoff = 10 * time.Millisecond
)

// Packet is one UDP payload with its capture (file) or arrival (live) time.
type Packet struct {
	Payload   []byte
	Timestamp time.Time
}

// PacketSource yields lidar UDP payloads in arrival order.
// ReadPacket returns io.EOF when the source is exhausted.
type PacketSource interface {
	ReadPacket(ctx context.Context) (Packet, error)
	Close() error
	String() string
}

// SourceKind distinguishes live sockets from capture files.
type SourceKind int

const (
	SourceFile SourceKind = iota
	SourceUDP
)

// ParseSource splits a source identifier into its kind and target. Anything
// without the udp:// scheme is treated as a capture file path.
func ParseSource(source string) (SourceKind, string, error) {
	if source == "" {
		return SourceFile, "", errors.New("empty source")
	}
	if strings.HasPrefix(source, UDPScheme) {
		addr := strings.TrimPrefix(source, UDPScheme)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return SourceUDP, "", fmt.Errorf("invalid udp source %q: %w", source, err)
		}
		return SourceUDP, addr, nil
	}
	return SourceFile, source, nil
}

// FileSourceConfig configures replay of a capture file.
type FileSourceConfig struct {
	Path string
	// UDPPort keeps only UDP datagrams addressed to this port. Zero keeps all.
	UDPPort int
	// Realtime paces packets by their capture timestamps.
	Realtime bool
	// SpeedMultiplier scales realtime pacing (1.0 = recorded speed).
	SpeedMultiplier float64
	Factory         PCAPReaderFactory
}

// FileSource replays UDP payloads from a pcap or pcapng file.
type FileSource struct {
	cfg      FileSourceConfig
	reader   PCAPReader
	linkType layers.LinkType
	count    int
	lastTime time.Time
}

// OpenFileSource opens the capture file described by cfg.
func OpenFileSource(cfg FileSourceConfig) (*FileSource, error) {
	if cfg.Factory == nil {
		cfg.Factory = FileReaderFactory{}
	}
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}
	reader := cfg.Factory.NewReader()
	if err := reader.Open(cfg.Path); err != nil {
		return nil, err
	}
	diagf("capture file %s opened (link type %d, port filter %d, realtime %v)",
		cfg.Path, reader.LinkType(), cfg.UDPPort, cfg.Realtime)
	return &FileSource{
		cfg:      cfg,
		reader:   reader,
		linkType: layers.LinkType(reader.LinkType()),
	}, nil
}

// ReadPacket returns the next matching UDP payload from the file.
func (s *FileSource) ReadPacket(ctx context.Context) (Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}

		rec, err := s.reader.NextPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				diagf("capture file %s complete: %d packets", s.cfg.Path, s.count)
			}
			return Packet{}, err
		}

		payload, ok := s.udpPayload(rec.Data)
		if !ok {
			continue
		}
		s.count++

		if s.cfg.Realtime {
			if err := s.pace(ctx, rec.Timestamp); err != nil {
				return Packet{}, err
			}
		}
		return Packet{Payload: payload, Timestamp: rec.Timestamp}, nil
	}
}

func (s *FileSource) udpPayload(data []byte) ([]byte, bool) {
	packet := gopacket.NewPacket(data, s.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil, false
	}
	if s.cfg.UDPPort > 0 && int(udp.DstPort) != s.cfg.UDPPort {
		return nil, false
	}
	if len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}

// pace sleeps for the scaled gap between this and the previous capture time.
func (s *FileSource) pace(ctx context.Context, ts time.Time) error {
	if s.lastTime.IsZero() {
		s.lastTime = ts
		return nil
	}
	delay := time.Duration(float64(ts.Sub(s.lastTime)) / s.cfg.SpeedMultiplier)
	s.lastTime = ts
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close releases the capture file.
func (s *FileSource) Close() error {
	s.reader.Close()
	return nil
}

func (s *FileSource) String() string {
	return s.cfg.Path
}

// UDPSourceConfig configures a live socket.
type UDPSourceConfig struct {
	Address string
	RcvBuf  int
	Factory UDPSocketFactory
}

// UDPSource reads live lidar datagrams.
type UDPSource struct {
	address string
	conn    UDPSocket
	buf     []byte
}

// OpenUDPSource binds the socket described by cfg.
func OpenUDPSource(cfg UDPSourceConfig) (*UDPSource, error) {
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := cfg.Factory.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(cfg.RcvBuf); err != nil {
			opsf("failed to set UDP receive buffer size to %d: %v", cfg.RcvBuf, err)
		}
	}
	diagf("UDP source listening on %s with receive buffer %d bytes", cfg.Address, cfg.RcvBuf)
	return &UDPSource{
		address: cfg.Address,
		conn:    conn,
		buf:     make([]byte, 2048), // data packets are 1206 bytes
	}, nil
}

// ReadPacket blocks until a datagram arrives, ctx is done, or the socket closes.
func (s *UDPSource) ReadPacket(ctx context.Context) (Packet, error) {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}
		// short deadline so cancellation is observed promptly
		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, addr, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return Packet{}, io.EOF
			}
			failures++
			if failures >= maxReadErrors {
				return Packet{}, fmt.Errorf("UDP read failed %d times: %w", failures, err)
			}
			opsf("UDP read error (%d/%d): %v", failures, maxReadErrors, err)
			select {
			case <-ctx.Done():
				return Packet{}, ctx.Err()
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		tracef("datagram %d bytes from %v", n, addr)

		payload := make([]byte, n)
		copy(payload, s.buf[:n])
		return Packet{Payload: payload, Timestamp: time.Now()}, nil
	}
}

// Close closes the socket, unblocking any pending read.
func (s *UDPSource) Close() error {
	return s.conn.Close()
}

func (s *UDPSource) String() string {
	return UDPScheme + s.address
}
