package probe

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"NetSentry/internal/config"
	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"
	pcapfile "NetSentry/pkg/pcap"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// readTimeout lets a blocked live read notice Stop.
const readTimeout = 500 * time.Millisecond

// Stats are the capture counters of a Source.
type Stats struct {
	Captured  uint64 `json:"captured"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
}

// Source produces RawPackets from a capture handle. A Source runs once:
// after Stop (or the end of the input) a new one has to be created.
type Source struct {
	iface    string
	data     gopacket.PacketDataSource
	linkType layers.LinkType
	release  func()

	queue    chan model.RawPacket
	out      chan model.RawPacket
	stopChan chan struct{}
	stopOnce sync.Once
	relOnce  sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup

	captured  atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64

	errMu sync.Mutex
	err   error
}

// NewSource wraps any packet data source. release is called exactly once when
// the source stops, whatever the reason.
func NewSource(iface string, data gopacket.PacketDataSource, linkType layers.LinkType, queueSize int, release func()) *Source {
	if queueSize <= 0 {
		queueSize = 1
	}
	if release == nil {
		release = func() {}
	}
	return &Source{
		iface:    iface,
		data:     data,
		linkType: linkType,
		release:  release,
		queue:    make(chan model.RawPacket, queueSize),
		out:      make(chan model.RawPacket),
		stopChan: make(chan struct{}),
	}
}

// NewLiveSource opens a network interface for capture.
func NewLiveSource(cfg config.CaptureConfig) (*Source, error) {
	if cfg.Interface == "" {
		return nil, nserrors.New(nserrors.KindCapture, "no capture interface configured")
	}
	handle, err := pcap.OpenLive(cfg.Interface, cfg.SnapshotLen, cfg.Promiscuous, readTimeout)
	if err != nil {
		return nil, nserrors.Attr(nserrors.Wrapf(err, nserrors.KindCapture, "failed to open interface %s", cfg.Interface), "interface", cfg.Interface)
	}
	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, nserrors.Wrapf(err, nserrors.KindCapture, "invalid bpf filter %q", cfg.BPFFilter)
		}
	}
	logger.WithComponent("probe").WithField("interface", cfg.Interface).Info("Live capture opened")
	return NewSource(cfg.Interface, handle, handle.LinkType(), cfg.QueueSize, handle.Close), nil
}

// NewOfflineSource replays a pcap or pcapng file. The packet channel closes at end of file.
func NewOfflineSource(path string, queueSize int) (*Source, error) {
	r, err := pcapfile.Open(path)
	if err != nil {
		return nil, nserrors.Wrapf(err, nserrors.KindCapture, "failed to open pcap file %s", path)
	}
	return NewSource(path, r, r.LinkType(), queueSize, r.Close), nil
}

// Start begins reading. The returned channel is closed once the source stops.
func (s *Source) Start(ctx context.Context) (<-chan model.RawPacket, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, nserrors.New(nserrors.KindCapture, "capture source cannot be restarted")
	}
	select {
	case <-s.stopChan:
		s.releaseHandle()
		return nil, nserrors.New(nserrors.KindCapture, "capture source already stopped")
	default:
	}

	readDone := make(chan struct{})
	s.wg.Add(2)
	go s.readLoop(ctx, readDone)
	go s.forward(ctx, readDone)
	return s.out, nil
}

// Stop ends the capture and waits for the handle to be released.
func (s *Source) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.releaseHandle()
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() Stats {
	return Stats{
		Captured:  s.captured.Load(),
		Dropped:   s.dropped.Load(),
		Delivered: s.delivered.Load(),
	}
}

// Err returns the capture error that ended the source, if any.
func (s *Source) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Source) releaseHandle() {
	s.relOnce.Do(s.release)
}

func (s *Source) readLoop(ctx context.Context, done chan<- struct{}) {
	defer s.wg.Done()
	defer close(done)
	defer s.releaseHandle()

	log := logger.WithComponent("probe").WithField("interface", s.iface)
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		data, ci, err := s.data.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, pcap.NextErrorNoMorePackets) {
				log.Info("Capture input exhausted")
				return
			}
			s.errMu.Lock()
			s.err = nserrors.Wrap(err, nserrors.KindCapture, "packet read failed")
			s.errMu.Unlock()
			log.WithError(err).Error("Capture stopped")
			return
		}

		ts := ci.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		s.captured.Add(1)
		s.enqueue(model.RawPacket{Data: data, Timestamp: ts, Interface: s.iface, LinkType: s.linkType})
	}
}

// enqueue never blocks: when the queue is full the oldest packet is discarded.
func (s *Source) enqueue(pkt model.RawPacket) {
	for {
		select {
		case s.queue <- pkt:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Source) forward(ctx context.Context, readDone <-chan struct{}) {
	defer s.wg.Done()
	defer close(s.out)

	for {
		select {
		case pkt := <-s.queue:
			if !s.send(ctx, pkt) {
				return
			}
		case <-readDone:
			// drain whatever the reader left behind
			for {
				select {
				case pkt := <-s.queue:
					if !s.send(ctx, pkt) {
						return
					}
				default:
					return
				}
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Source) send(ctx context.Context, pkt model.RawPacket) bool {
	select {
	case s.out <- pkt:
		s.delivered.Add(1)
		return true
	case <-s.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}
