package protocol

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Parser turns raw frames into FlowRecords and hands out process-unique ids.
type Parser struct {
	nextID atomic.Uint64
}

// NewParser creates a parser whose ids start at 1.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes a raw packet. Malformed input yields a KindParse error, never a panic.
func (p *Parser) Parse(raw model.RawPacket) (*model.FlowRecord, error) {
	flow, err := Decode(raw.Data, raw.LinkType)
	if err != nil {
		return nil, err
	}
	flow.ID = p.nextID.Add(1)
	flow.Timestamp = raw.Timestamp
	if flow.Timestamp.IsZero() {
		flow.Timestamp = time.Now()
	}
	return flow, nil
}

// decoder holds one preallocated layer of every kind the parser understands.
type decoder struct {
	eth   layers.Ethernet
	sll   layers.LinuxSLL
	lo    layers.Loopback
	vlan  layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP
	udp   layers.UDP
	icmp4 layers.ICMPv4
	icmp6 layers.ICMPv6
	arp   layers.ARP

	decoded []gopacket.LayerType
	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
}

// parser returns the layer parser starting at first. Decoding stops quietly at
// the first layer kind it does not know.
func (d *decoder) parser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	if p, ok := d.parsers[first]; ok {
		return p
	}
	p := gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.sll, &d.lo, &d.vlan, &d.ip4, &d.ip6,
		&d.tcp, &d.udp, &d.icmp4, &d.icmp6, &d.arp)
	p.IgnoreUnsupported = true
	d.parsers[first] = p
	return p
}

var decoders = sync.Pool{New: func() any {
	return &decoder{
		decoded: make([]gopacket.LayerType, 0, 8),
		parsers: make(map[gopacket.LayerType]*gopacket.DecodingLayerParser),
	}
}}

// firstLayer maps a capture link type to the layer decoding starts from.
func firstLayer(data []byte, linkType layers.LinkType) (gopacket.LayerType, bool) {
	switch linkType {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, true
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, true
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return layers.LayerTypeLoopback, true
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		switch data[0] >> 4 {
		case 4:
			return layers.LayerTypeIPv4, true
		case 6:
			return layers.LayerTypeIPv6, true
		}
	}
	return gopacket.LayerTypeZero, false
}

// Decode extracts the flow fields from a frame. The result depends only on the
// bytes and link type; ID and Timestamp are left for the caller. A header that
// does not decode completely is a ParseError; a frame that decodes but carries
// no known transport becomes a protocol "unknown" record.
func Decode(data []byte, linkType layers.LinkType) (flow *model.FlowRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			flow = nil
			err = nserrors.NewParseError(fmt.Sprintf("decoder panic: %v", r))
		}
	}()

	if len(data) == 0 {
		return nil, nserrors.NewParseError("empty packet")
	}
	if linkType == layers.LinkTypeNull && !looksLikeLoopback(data) {
		linkType = layers.LinkTypeEthernet
	}
	first, ok := firstLayer(data, linkType)
	if !ok {
		return nil, nserrors.NewParseError(fmt.Sprintf("unsupported link type %s", linkType))
	}

	d := decoders.Get().(*decoder)
	defer decoders.Put(d)
	if err := d.parser(first).DecodeLayers(data, &d.decoded); err != nil {
		return nil, nserrors.NewParseError(err.Error())
	}

	flow = &model.FlowRecord{ByteSize: len(data), Protocol: model.ProtoUnknown}
	var (
		network   gopacket.LayerType
		transport gopacket.LayerType
		linkLayer gopacket.LayerType
		ipProto   layers.IPProtocol
		fragment  string
	)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeEthernet, layers.LayerTypeLinuxSLL, layers.LayerTypeLoopback:
			linkLayer = lt
		case layers.LayerTypeIPv4:
			network = lt
			flow.SourceIP, flow.DestIP = copyIP(d.ip4.SrcIP), copyIP(d.ip4.DstIP)
			ipProto = d.ip4.Protocol
			if d.ip4.FragOffset != 0 || d.ip4.Flags&layers.IPv4MoreFragments != 0 {
				fragment = fmt.Sprintf("IPv4 fragment id=%d offset=%d", d.ip4.Id, uint32(d.ip4.FragOffset)*8)
			}
		case layers.LayerTypeIPv6:
			network = lt
			flow.SourceIP, flow.DestIP = copyIP(d.ip6.SrcIP), copyIP(d.ip6.DstIP)
			ipProto = d.ip6.NextHeader
			if d.ip6.HopByHop != nil {
				ipProto = d.ip6.HopByHop.NextHeader
			}
			if ipProto == layers.IPProtocolIPv6Fragment {
				fragment = "IPv6 fragment"
			}
		case layers.LayerTypeARP:
			network = lt
		case layers.LayerTypeTCP, layers.LayerTypeUDP, layers.LayerTypeICMPv4, layers.LayerTypeICMPv6:
			transport = lt
		}
	}

	switch network {
	case layers.LayerTypeARP:
		flow.SourceIP, flow.DestIP = arpAddr(d.arp.SourceProtAddress), arpAddr(d.arp.DstProtAddress)
		flow.Summary = arpSummary(&d.arp)
		return flow, nil
	case gopacket.LayerTypeZero:
		flow.Summary = linkSummary(d, linkLayer)
		return flow, nil
	}
	if flow.SourceIP == nil || flow.DestIP == nil {
		return nil, nserrors.NewParseError("ip header without addresses")
	}

	if fragment != "" {
		flow.Protocol = transportName(ipProto)
		flow.Summary = fmt.Sprintf("%s %s %s -> %s", fragment, flow.Protocol, flow.SourceIP, flow.DestIP)
		return flow, nil
	}

	var tcpFlags string
	switch transport {
	case layers.LayerTypeTCP:
		flow.Protocol = model.ProtoTCP
		flow.SourcePort = uint16(d.tcp.SrcPort)
		flow.DestPort = uint16(d.tcp.DstPort)
		tcpFlags = flagString(&d.tcp)
	case layers.LayerTypeUDP:
		flow.Protocol = model.ProtoUDP
		flow.SourcePort = uint16(d.udp.SrcPort)
		flow.DestPort = uint16(d.udp.DstPort)
	case layers.LayerTypeICMPv4:
		flow.Protocol = model.ProtoICMP
		flow.Summary = fmt.Sprintf("ICMP %s %s -> %s", d.icmp4.TypeCode, flow.SourceIP, flow.DestIP)
	case layers.LayerTypeICMPv6:
		flow.Protocol = model.ProtoICMPv6
		flow.Summary = fmt.Sprintf("ICMPv6 %s %s -> %s", d.icmp6.TypeCode, flow.SourceIP, flow.DestIP)
	default:
		// the IP payload ended before the transport header
		if name := transportName(ipProto); name != model.ProtoUnknown {
			return nil, nserrors.NewParseError(fmt.Sprintf("truncated %s header", strings.ToLower(name)))
		}
		flow.Summary = fmt.Sprintf("IP protocol %d %s -> %s", uint8(ipProto), flow.SourceIP, flow.DestIP)
	}

	if flow.Summary == "" {
		flow.Summary = summarize(flow, tcpFlags)
	}
	return flow, nil
}

func transportName(p layers.IPProtocol) string {
	switch p {
	case layers.IPProtocolTCP:
		return model.ProtoTCP
	case layers.IPProtocolUDP:
		return model.ProtoUDP
	case layers.IPProtocolICMPv4:
		return model.ProtoICMP
	case layers.IPProtocolICMPv6:
		return model.ProtoICMPv6
	}
	return model.ProtoUnknown
}

func arpAddr(b []byte) net.IP {
	if len(b) != net.IPv4len && len(b) != net.IPv6len {
		return nil
	}
	return copyIP(net.IP(b))
}

func arpSummary(arp *layers.ARP) string {
	spa, tpa := arpAddr(arp.SourceProtAddress), arpAddr(arp.DstProtAddress)
	switch arp.Operation {
	case layers.ARPRequest:
		return fmt.Sprintf("ARP who-has %s tell %s", tpa, spa)
	case layers.ARPReply:
		return fmt.Sprintf("ARP %s is-at %s", spa, net.HardwareAddr(arp.SourceHwAddress))
	}
	return fmt.Sprintf("ARP op %d %s -> %s", arp.Operation, spa, tpa)
}

func linkSummary(d *decoder, linkLayer gopacket.LayerType) string {
	switch linkLayer {
	case layers.LayerTypeEthernet:
		et := d.eth.EthernetType
		for _, lt := range d.decoded {
			if lt == layers.LayerTypeDot1Q {
				et = d.vlan.Type
			}
		}
		return fmt.Sprintf("EtherType 0x%04x %s -> %s", uint16(et), d.eth.SrcMAC, d.eth.DstMAC)
	case layers.LayerTypeLinuxSLL:
		return fmt.Sprintf("SLL protocol 0x%04x", uint16(d.sll.EthernetType))
	}
	return fmt.Sprintf("%s frame", linkLayer)
}

// well-known services named in summaries
var servicePorts = map[uint16]string{
	22:   "SSH",
	23:   "Telnet",
	25:   "SMTP",
	53:   "DNS",
	80:   "HTTP",
	123:  "NTP",
	443:  "HTTPS",
	445:  "SMB",
	3389: "RDP",
}

func summarize(flow *model.FlowRecord, tcpFlags string) string {
	src := net.JoinHostPort(flow.SourceIP.String(), fmt.Sprint(flow.SourcePort))
	dst := net.JoinHostPort(flow.DestIP.String(), fmt.Sprint(flow.DestPort))

	label := flow.Protocol
	if svc, ok := servicePorts[flow.DestPort]; ok {
		label = svc + " request"
		if svc == "DNS" {
			label = "DNS query"
		}
	} else if svc, ok := servicePorts[flow.SourcePort]; ok {
		label = svc + " response"
	}

	s := fmt.Sprintf("%s %s -> %s", label, src, dst)
	if tcpFlags != "" {
		s += " [" + tcpFlags + "]"
	}
	return s
}

func flagString(tcp *layers.TCP) string {
	var flags []string
	if tcp.SYN {
		flags = append(flags, "SYN")
	}
	if tcp.ACK {
		flags = append(flags, "ACK")
	}
	if tcp.FIN {
		flags = append(flags, "FIN")
	}
	if tcp.RST {
		flags = append(flags, "RST")
	}
	if tcp.PSH {
		flags = append(flags, "PSH")
	}
	return strings.Join(flags, ",")
}

func copyIP(ip net.IP) net.IP {
	return append(net.IP(nil), ip...)
}

// LinkTypeNull is the zero value; only treat it as BSD loopback when the
// address family header says so.
func looksLikeLoopback(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	family := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return family == 2 || family == 24 || family == 28 || family == 30
}
