package protocol

import (
	"net"
	"testing"
	"time"

	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func eth(ethType layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: ethType,
	}
}

func dnsQueryFrame(t *testing.T) []byte {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP("10.0.0.5").To4(), DstIP: net.ParseIP("8.8.8.8").To4()}
	udp := &layers.UDP{SrcPort: 51000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload([]byte{0x12, 0x34, 0x01, 0x00}))
}

func TestParse_UDPDNSQuery(t *testing.T) {
	p := NewParser()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	flow, err := p.Parse(model.RawPacket{Data: dnsQueryFrame(t), Timestamp: ts, LinkType: layers.LinkTypeEthernet})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), flow.ID)
	assert.Equal(t, ts, flow.Timestamp)
	assert.Equal(t, model.ProtoUDP, flow.Protocol)
	assert.Equal(t, "10.0.0.5", flow.SourceIP.String())
	assert.Equal(t, "8.8.8.8", flow.DestIP.String())
	assert.Equal(t, uint16(51000), flow.SourcePort)
	assert.Equal(t, uint16(53), flow.DestPort)
	assert.Contains(t, flow.Summary, "DNS query")
	assert.Positive(t, flow.ByteSize)
}

func TestParse_IDsAreUnique(t *testing.T) {
	p := NewParser()
	frame := dnsQueryFrame(t)

	seen := make(map[uint64]bool)
	for i := 0; i < 50; i++ {
		flow, err := p.Parse(model.RawPacket{Data: frame, LinkType: layers.LinkTypeEthernet})
		require.NoError(t, err)
		assert.False(t, seen[flow.ID], "duplicate id %d", flow.ID)
		seen[flow.ID] = true
		assert.False(t, flow.Timestamp.IsZero())
	}
}

func TestDecode_Deterministic(t *testing.T) {
	frame := dnsQueryFrame(t)
	a, err := Decode(frame, layers.LinkTypeEthernet)
	require.NoError(t, err)
	b, err := Decode(frame, layers.LinkTypeEthernet)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestParse_TCPv6(t *testing.T) {
	ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP,
		SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2")}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 22, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	frame := serialize(t, eth(layers.EthernetTypeIPv6), ip, tcp)

	flow, err := NewParser().Parse(model.RawPacket{Data: frame, LinkType: layers.LinkTypeEthernet})
	require.NoError(t, err)
	assert.Equal(t, model.ProtoTCP, flow.Protocol)
	assert.Equal(t, "2001:db8::1", flow.SourceIP.String())
	assert.Equal(t, uint16(22), flow.DestPort)
	assert.Contains(t, flow.Summary, "SSH request")
	assert.Contains(t, flow.Summary, "[SYN]")
}

func TestParse_ICMP(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.ParseIP("192.168.1.10").To4(), DstIP: net.ParseIP("192.168.1.1").To4()}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
	frame := serialize(t, eth(layers.EthernetTypeIPv4), ip, icmp)

	flow, err := NewParser().Parse(model.RawPacket{Data: frame, LinkType: layers.LinkTypeEthernet})
	require.NoError(t, err)
	assert.Equal(t, model.ProtoICMP, flow.Protocol)
	assert.Zero(t, flow.SourcePort)
	assert.Zero(t, flow.DestPort)
	assert.Contains(t, flow.Summary, "ICMP")
}

func TestParse_UnknownTransport(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocol(253),
		SrcIP: net.ParseIP("10.1.1.1").To4(), DstIP: net.ParseIP("10.1.1.2").To4()}
	frame := serialize(t, eth(layers.EthernetTypeIPv4), ip, gopacket.Payload([]byte{1, 2, 3, 4}))

	flow, err := NewParser().Parse(model.RawPacket{Data: frame, LinkType: layers.LinkTypeEthernet})
	require.NoError(t, err)
	assert.Equal(t, model.ProtoUnknown, flow.Protocol)
	assert.Equal(t, "10.1.1.1", flow.SourceIP.String())
}

func TestParse_RawIPLink(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP("10.0.0.9").To4(), DstIP: net.ParseIP("10.0.0.1").To4()}
	udp := &layers.UDP{SrcPort: 123, DstPort: 123}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	frame := serialize(t, ip, udp)

	flow, err := NewParser().Parse(model.RawPacket{Data: frame, LinkType: layers.LinkTypeRaw})
	require.NoError(t, err)
	assert.Equal(t, model.ProtoUDP, flow.Protocol)
	assert.Equal(t, "10.0.0.9", flow.SourceIP.String())
}

func TestParse_Malformed(t *testing.T) {
	full := dnsQueryFrame(t)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short ethernet", full[:6]},
		{"truncated ip header", full[:14+10]},
		{"truncated udp header", full[:14+20+3]},
		{"ip header only", serialize(t, eth(layers.EthernetTypeIPv4), &layers.IPv4{
			Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
			SrcIP: net.ParseIP("10.0.0.5").To4(), DstIP: net.ParseIP("8.8.8.8").To4(),
		})},
		{"bad ip header length", func() []byte {
			b := append([]byte(nil), full...)
			b[14] = 0x42 // IHL 2
			return b
		}()},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow, err := p.Parse(model.RawPacket{Data: tt.data, LinkType: layers.LinkTypeEthernet})
			require.Error(t, err)
			assert.Nil(t, flow)
			assert.Equal(t, nserrors.KindParse, nserrors.GetKind(err))

			var pe *nserrors.ParseError
			assert.True(t, nserrors.As(err, &pe))
		})
	}
}

func TestParse_ARP(t *testing.T) {
	frame := serialize(t, eth(layers.EthernetTypeARP), &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: []byte{2, 0, 0, 0, 0, 1}, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 2},
	})

	flow, err := NewParser().Parse(model.RawPacket{Data: frame, LinkType: layers.LinkTypeEthernet})
	require.NoError(t, err)
	assert.Equal(t, model.ProtoUnknown, flow.Protocol)
	assert.Equal(t, "10.0.0.1", flow.SourceIP.String())
	assert.Equal(t, "10.0.0.2", flow.DestIP.String())
	assert.Zero(t, flow.SourcePort)
	assert.Equal(t, "ARP who-has 10.0.0.2 tell 10.0.0.1", flow.Summary)
}

func TestParse_NonIPEtherType(t *testing.T) {
	lldp := layers.EthernetType(0x88cc)
	frame := serialize(t, eth(lldp), gopacket.Payload([]byte{0x02, 0x07, 0x04, 0, 0, 0, 0, 0, 1}))

	flow, err := NewParser().Parse(model.RawPacket{Data: frame, LinkType: layers.LinkTypeEthernet})
	require.NoError(t, err)
	assert.Equal(t, model.ProtoUnknown, flow.Protocol)
	assert.Nil(t, flow.SourceIP)
	assert.Nil(t, flow.DestIP)
	assert.Equal(t, len(frame), flow.ByteSize)
	assert.Contains(t, flow.Summary, "EtherType 0x88cc")
}

func TestParse_IPv4Fragment(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, Id: 4242,
		FragOffset: 185, SrcIP: net.ParseIP("10.0.0.5").To4(), DstIP: net.ParseIP("10.0.0.6").To4()}
	// continuation bytes of the datagram, not a UDP header
	frame := serialize(t, eth(layers.EthernetTypeIPv4), ip, gopacket.Payload([]byte{0xde, 0xad, 0xbe}))

	flow, err := NewParser().Parse(model.RawPacket{Data: frame, LinkType: layers.LinkTypeEthernet})
	require.NoError(t, err)
	assert.Equal(t, model.ProtoUDP, flow.Protocol)
	assert.Equal(t, "10.0.0.5", flow.SourceIP.String())
	assert.Equal(t, "10.0.0.6", flow.DestIP.String())
	assert.Zero(t, flow.SourcePort)
	assert.Zero(t, flow.DestPort)
	assert.Equal(t, "IPv4 fragment id=4242 offset=1480 UDP 10.0.0.5 -> 10.0.0.6", flow.Summary)
}

func TestParse_IPv4FirstFragment(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, Id: 7,
		Flags: layers.IPv4MoreFragments, SrcIP: net.ParseIP("10.0.0.5").To4(), DstIP: net.ParseIP("10.0.0.6").To4()}
	frame := serialize(t, eth(layers.EthernetTypeIPv4), ip, gopacket.Payload(make([]byte, 24)))

	flow, err := NewParser().Parse(model.RawPacket{Data: frame, LinkType: layers.LinkTypeEthernet})
	require.NoError(t, err)
	assert.Equal(t, model.ProtoTCP, flow.Protocol)
	assert.Contains(t, flow.Summary, "IPv4 fragment id=7 offset=0")
}

func TestParse_GarbageNeverPanics(t *testing.T) {
	p := NewParser()
	seed := byte(7)
	for n := 1; n < 200; n++ {
		data := make([]byte, n)
		for i := range data {
			seed = seed*31 + 17
			data[i] = seed
		}
		assert.NotPanics(t, func() {
			_, _ = p.Parse(model.RawPacket{Data: data, LinkType: layers.LinkTypeEthernet})
		})
	}
}
