package pipeline

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"NetSentry/internal/audit"
	"NetSentry/internal/classifier"
	"NetSentry/internal/dispatch"
	"NetSentry/internal/enforcement"
	"NetSentry/internal/engine/sketch"
	"NetSentry/internal/model"
	"NetSentry/internal/policy"
	"NetSentry/internal/probe"
	"NetSentry/internal/ratelimit"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replay serves frames and then io.EOF.
type replay struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *replay) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f, gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(f), Length: len(f)}, nil
}

func udpFrame(t *testing.T, src, dst string, dstPort uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4()}
	udp := &layers.UDP{SrcPort: 53000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload([]byte("query"))))
	return buf.Bytes()
}

// dnsAnalyzer flags every DNS query as malicious.
type dnsAnalyzer struct{}

func (dnsAnalyzer) Classify(_ context.Context, f model.FlowRecord) (model.Verdict, error) {
	if f.DestPort == 53 {
		return model.Verdict{Label: model.VerdictMalicious, Confidence: 0.95, Severity: model.SeverityHigh}, nil
	}
	return model.Verdict{Label: model.VerdictBenign, Confidence: 0.9}, nil
}

func (dnsAnalyzer) AnalyzeIncident(context.Context, []model.FlowRecord) (model.Verdict, error) {
	return model.Verdict{Label: model.VerdictBenign}, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	recs []model.ClassifiedRecord
}

func (p *recordingPublisher) PublishFlow(rec model.ClassifiedRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
	return nil
}

type harness struct {
	pipeline *Pipeline
	store    model.AuditStore
	enforcer *enforcement.DryRun
	pub      *recordingPublisher
}

func newHarness(t *testing.T, src PacketSource) *harness {
	t.Helper()
	store, err := audit.NewJSONLSink(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	limiter := ratelimit.NewSlidingWindow(10*time.Second, 5)
	enforcer := enforcement.NewDryRun()
	d, err := dispatch.New(enforcer, store, limiter, time.Second, time.Millisecond)
	require.NoError(t, err)
	engine, err := policy.NewEngine(policy.Options{
		Threshold: 0.8, Cooldown: time.Minute,
		VerdictActions: map[string]string{"malicious": "block-ip"},
		Workers:        2, QueueSize: 8,
	}, d, limiter)
	require.NoError(t, err)
	gate, err := classifier.NewGate(dnsAnalyzer{}, 4, time.Second, 8)
	require.NoError(t, err)

	p, err := New(src, gate, engine, Options{ParseWorkers: 2, QueueSize: 8, RestoreFrom: store})
	require.NoError(t, err)
	p.AddPruner(limiter)
	pub := &recordingPublisher{}
	p.SetPublisher(pub)
	return &harness{pipeline: p, store: store, enforcer: enforcer, pub: pub}
}

func TestPipeline_ReplayBlocksOnce(t *testing.T) {
	frames := [][]byte{
		udpFrame(t, "10.0.0.5", "8.8.8.8", 53),
		{0xde, 0xad},
		udpFrame(t, "10.0.0.5", "8.8.4.4", 53),
		udpFrame(t, "10.0.0.7", "1.1.1.1", 443),
	}
	src := probe.NewSource("replay", &replay{frames: frames}, layers.LinkTypeEthernet, 16, func() {})
	h := newHarness(t, src)
	h.pipeline.opts.TalkerThreshold = 2

	var observed []model.ClassifiedRecord
	var mu sync.Mutex
	h.pipeline.Observe(func(rec model.ClassifiedRecord) {
		mu.Lock()
		observed = append(observed, rec)
		mu.Unlock()
	})

	require.NoError(t, h.pipeline.Start(context.Background()))
	require.NoError(t, h.pipeline.Wait())
	h.pipeline.Stop()

	st := h.pipeline.Status()
	assert.False(t, st.Running)
	assert.Equal(t, uint64(4), st.Captured)
	assert.Equal(t, uint64(1), st.ParseErrors)
	assert.Equal(t, uint64(3), st.Parsed)
	assert.Equal(t, uint64(3), st.Classified)
	assert.Equal(t, uint64(2), st.Actions)
	assert.Equal(t, 1, st.Cooldowns)
	assert.Len(t, observed, 3)
	assert.Len(t, h.pub.recs, 3)
	assert.Equal(t, []sketch.Talker{{Address: "10.0.0.5", Packets: 2}}, st.TopTalkers)

	target := model.Target{Kind: model.TargetIP, Value: "10.0.0.5"}
	assert.True(t, h.enforcer.Applied(model.ActionBlockIP, target))

	recs, err := h.store.QueryByTarget(context.Background(), target, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	outcomes := map[model.Outcome]int{}
	for _, r := range recs {
		outcomes[r.Outcome]++
	}
	assert.Equal(t, map[model.Outcome]int{model.OutcomeApplied: 1, model.OutcomeRejectedCooldown: 1}, outcomes)
}

func TestPipeline_LinkLayerFramesSkipTalkers(t *testing.T) {
	lldp := func() []byte {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0x01, 0x80, 0xc2, 0, 0, 0x0e},
			EthernetType: layers.EthernetType(0x88cc),
		}
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, gopacket.Payload([]byte{2, 7, 4})))
		return buf.Bytes()
	}
	src := probe.NewSource("replay", &replay{frames: [][]byte{lldp(), lldp(), lldp()}}, layers.LinkTypeEthernet, 16, func() {})
	h := newHarness(t, src)
	h.pipeline.opts.TalkerThreshold = 1

	require.NoError(t, h.pipeline.Start(context.Background()))
	require.NoError(t, h.pipeline.Wait())
	h.pipeline.Stop()

	st := h.pipeline.Status()
	assert.Equal(t, uint64(3), st.Parsed)
	assert.Zero(t, st.ParseErrors)
	assert.Equal(t, uint64(3), st.Classified)
	assert.Zero(t, st.Actions)
	assert.Empty(t, st.TopTalkers)
}

func TestPipeline_RestoresCooldownsOnStart(t *testing.T) {
	src := probe.NewSource("replay", &replay{frames: [][]byte{udpFrame(t, "10.0.0.5", "8.8.8.8", 53)}}, layers.LinkTypeEthernet, 4, func() {})
	h := newHarness(t, src)

	target := model.Target{Kind: model.TargetIP, Value: "10.0.0.5"}
	require.NoError(t, h.store.Append(context.Background(), model.ActionRecord{
		ID: "earlier", Outcome: model.OutcomeApplied, AppliedAt: time.Now().Add(-10 * time.Second),
		RecordedAt: time.Now().Add(-10 * time.Second),
		Request:    model.ActionRequest{ID: "r0", Target: target, Kind: model.ActionBlockIP, RequestedBy: policy.AutomaticRequester},
	}))

	require.NoError(t, h.pipeline.Start(context.Background()))
	require.NoError(t, h.pipeline.Wait())
	h.pipeline.Stop()

	assert.False(t, h.enforcer.Applied(model.ActionBlockIP, target))
	recs, err := h.store.QueryByTarget(context.Background(), target, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.OutcomeRejectedCooldown, recs[0].Outcome)
}

type blockingSource struct {
	out     chan model.RawPacket
	stopped chan struct{}
	once    sync.Once
}

func (b *blockingSource) Start(context.Context) (<-chan model.RawPacket, error) { return b.out, nil }
func (b *blockingSource) Stop() {
	b.once.Do(func() {
		close(b.stopped)
		close(b.out)
	})
}
func (b *blockingSource) Stats() probe.Stats { return probe.Stats{} }
func (b *blockingSource) Err() error         { return nil }

func TestPipeline_StopDrainsLiveSource(t *testing.T) {
	src := &blockingSource{out: make(chan model.RawPacket), stopped: make(chan struct{})}
	h := newHarness(t, src)
	require.NoError(t, h.pipeline.Start(context.Background()))
	assert.True(t, h.pipeline.Status().Running)

	src.out <- model.RawPacket{Data: udpFrame(t, "10.0.0.9", "8.8.8.8", 53), LinkType: layers.LinkTypeEthernet}

	stopped := make(chan struct{})
	go func() {
		h.pipeline.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.True(t, h.enforcer.Applied(model.ActionBlockIP, model.Target{Kind: model.TargetIP, Value: "10.0.0.9"}))
	assert.Error(t, h.pipeline.Start(context.Background()))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, nil, Options{})
	assert.Error(t, err)
}
