package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPPacket represents a single packet read from a capture file.
type PCAPPacket struct {
	Data      []byte
	Timestamp time.Time
}

// PCAPReader defines an interface for reading packets from capture files.
// This abstraction enables unit testing without real capture files.
type PCAPReader interface {
	// Open opens a capture file for reading.
	Open(filename string) error

	// NextPacket returns the next packet from the file.
	// Returns nil, io.EOF when no more packets are available.
	NextPacket() (*PCAPPacket, error)

	// Close closes the reader and releases resources.
	Close()

	// LinkType returns the link type of the capture file.
	// Uses int to accommodate link types > 255 (e.g., Linux Cooked Capture v2 is 276).
	LinkType() int
}

// PCAPReaderFactory defines an interface for creating PCAP readers.
type PCAPReaderFactory interface {
	NewReader() PCAPReader
}

// FileReader implements PCAPReader with gopacket's pure-Go pcapgo readers,
// accepting both classic pcap and pcapng files without libpcap.
type FileReader struct {
	file     *os.File
	classic  *pcapgo.Reader
	ng       *pcapgo.NgReader
	linkType layers.LinkType
}

// NewFileReader creates an unopened FileReader.
func NewFileReader() *FileReader {
	return &FileReader{}
}

// Open opens filename, detecting pcap or pcapng from the file magic.
func (r *FileReader) Open(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open capture file %s: %w", filename, err)
	}

	br := bufio.NewReader(f)
	if classic, err := pcapgo.NewReader(br); err == nil {
		r.file, r.classic, r.linkType = f, classic, classic.LinkType()
		return nil
	}

	// Not classic pcap: rewind and try pcapng.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("failed to rewind capture file %s: %w", filename, err)
	}
	ng, err := pcapgo.NewNgReader(bufio.NewReader(f), pcapgo.DefaultNgReaderOptions)
	if err != nil {
		f.Close()
		return fmt.Errorf("%s is neither pcap nor pcapng: %w", filename, err)
	}
	r.file, r.ng, r.linkType = f, ng, ng.LinkType()
	return nil
}

// NextPacket reads the next record. io.EOF marks the end of the file.
func (r *FileReader) NextPacket() (*PCAPPacket, error) {
	var (
		data []byte
		ci   gopacket.CaptureInfo
		err  error
	)
	switch {
	case r.classic != nil:
		data, ci, err = r.classic.ReadPacketData()
	case r.ng != nil:
		data, ci, err = r.ng.ReadPacketData()
	default:
		return nil, errors.New("capture file not open")
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return &PCAPPacket{Data: data, Timestamp: ci.Timestamp}, nil
}

// Close releases the underlying file.
func (r *FileReader) Close() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.classic = nil
	r.ng = nil
}

// LinkType returns the link type of the open file.
func (r *FileReader) LinkType() int {
	return int(r.linkType)
}

// FileReaderFactory creates FileReader instances.
type FileReaderFactory struct{}

// NewReader returns a new FileReader.
func (FileReaderFactory) NewReader() PCAPReader {
	return NewFileReader()
}

// MockPCAPReader implements PCAPReader for testing.
type MockPCAPReader struct {
	mu sync.Mutex

	// Packets holds the packets to return from NextPacket.
	Packets []PCAPPacket

	// ReadIndex tracks the current position in Packets.
	ReadIndex int

	// OpenError is returned by Open if set.
	OpenError error

	// ReadError is returned once by NextPacket if set.
	ReadError error

	// OpenedFile records the filename passed to Open.
	OpenedFile string

	// Closed indicates whether Close was called.
	Closed bool

	// MockLinkType is the link type to return.
	MockLinkType int
}

// NewMockPCAPReader creates a new MockPCAPReader with the given packets.
func NewMockPCAPReader(packets []PCAPPacket) *MockPCAPReader {
	return &MockPCAPReader{
		Packets:      packets,
		MockLinkType: int(layers.LinkTypeEthernet),
	}
}

// Open records the filename and returns any configured error.
func (m *MockPCAPReader) Open(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenedFile = filename
	return m.OpenError
}

// NextPacket returns the next packet from the mock buffer.
func (m *MockPCAPReader) NextPacket() (*PCAPPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return nil, errors.New("reader closed")
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		return nil, err
	}
	if m.ReadIndex >= len(m.Packets) {
		return nil, io.EOF
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	return &pkt, nil
}

// Close marks the reader as closed.
func (m *MockPCAPReader) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
}

// LinkType returns the mock link type.
func (m *MockPCAPReader) LinkType() int {
	return m.MockLinkType
}

// MockPCAPReaderFactory implements PCAPReaderFactory for testing.
type MockPCAPReaderFactory struct {
	mu sync.Mutex

	// Reader is the reader to return from NewReader.
	Reader *MockPCAPReader

	// CreateCalls records the number of NewReader calls.
	CreateCalls int
}

// NewMockPCAPReaderFactory creates a new MockPCAPReaderFactory.
func NewMockPCAPReaderFactory(reader *MockPCAPReader) *MockPCAPReaderFactory {
	return &MockPCAPReaderFactory{Reader: reader}
}

// NewReader returns the configured mock reader.
func (f *MockPCAPReaderFactory) NewReader() PCAPReader {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	return f.Reader
}
