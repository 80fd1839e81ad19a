package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"time"

	pcapfile "NetSentry/pkg/pcap"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func main() {
	outputFile := flag.String("o", "scenario.pcap", "Output pcap file path")
	background := flag.Int("c", 200, "Number of benign background packets")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	w, err := pcapfile.Create(*outputFile, 65536, layers.LinkTypeEthernet)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	ts := time.Now().Add(-time.Minute)
	write := func(frame []byte) {
		ts = ts.Add(time.Duration(rng.Intn(5000)+1) * time.Microsecond)
		if err := w.Write(ts, frame); err != nil {
			log.Fatalf("Failed to write packet: %v", err)
		}
	}

	client := net.IP{192, 168, 1, 20}
	server := net.IP{10, 0, 0, 5}

	// Benign web traffic.
	for i := 0; i < *background; i++ {
		write(tcpFrame(client, server, uint16(40000+rng.Intn(20000)), 443, 64))
	}

	// Oversized DNS responses to one host.
	for i := 0; i < 5; i++ {
		write(udpFrame(net.IP{8, 8, 8, 8}, client, 53, 53000, 900))
	}

	// Telnet from an IoT camera.
	camera := net.IP{192, 168, 1, 77}
	for i := 0; i < 3; i++ {
		write(tcpFrame(camera, net.IP{203, 0, 113, 9}, 51000, 23, 64))
	}

	// A reverse shell.
	write(tcpFrame(net.IP{192, 168, 1, 33}, net.IP{198, 51, 100, 7}, 52000, 4444, 120))

	// A vertical port scan.
	scanner := net.IP{172, 16, 0, 99}
	for port := uint16(20); port < 60; port++ {
		write(tcpFrame(scanner, server, 60000, port, 0))
	}

	// A frame that is not IP at all.
	write(arpFrame(client, server))

	if err := w.Close(); err != nil {
		log.Fatalf("Failed to flush %s: %v", *outputFile, err)
	}
	log.Printf("Wrote scenario to %s", *outputFile)
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		log.Fatalf("Failed to serialize packet: %v", err)
	}
	return buf.Bytes()
}

func tcpFrame(src, dst net.IP, sport, dport uint16, payload int) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), SYN: payload == 0, ACK: payload > 0, PSH: payload > 0, Window: 14600}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(eth, ip, tcp, gopacket.Payload(make([]byte, payload)))
}

func udpFrame(src, dst net.IP, sport, dport uint16, payload int) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src, DstIP: dst}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(eth, ip, udp, gopacket.Payload(make([]byte, payload)))
}

func arpFrame(src, dst net.IP) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: src.To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    dst.To4(),
	}
	return serialize(eth, arp)
}
