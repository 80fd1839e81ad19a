// Package pcap reads and writes capture files without libpcap.
package pcap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Reader replays a pcap or pcapng file. It implements gopacket.PacketDataSource.
type Reader struct {
	f        *os.File
	src      gopacket.PacketDataSource
	linkType layers.LinkType
}

// Open detects the file format and returns a reader positioned at the first packet.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	if r, err := pcapgo.NewReader(f); err == nil {
		return &Reader{f: f, src: r, linkType: r.LinkType()}, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s is neither pcap nor pcapng: %w", path, err)
	}
	return &Reader{f: f, src: ng, linkType: ng.LinkType()}, nil
}

// ReadPacketData returns the next packet, or io.EOF at the end of the file.
func (r *Reader) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return r.src.ReadPacketData()
}

// LinkType reports the link type of the file.
func (r *Reader) LinkType() layers.LinkType { return r.linkType }

// Close closes the file.
func (r *Reader) Close() {
	r.f.Close()
}

// Writer writes a classic pcap file.
type Writer struct {
	f  *os.File
	bw *bufio.Writer
	w  *pcapgo.Writer
}

// Create truncates path and writes the file header.
func Create(path string, snaplen uint32, linkType layers.LinkType) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(f)
	w := pcapgo.NewWriter(bw)
	if err := w.WriteFileHeader(snaplen, linkType); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{f: f, bw: bw, w: w}, nil
}

// Write appends one frame captured at ts.
func (w *Writer) Write(ts time.Time, frame []byte) error {
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)}
	return w.w.WritePacket(ci, frame)
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
