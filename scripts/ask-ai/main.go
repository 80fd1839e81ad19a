package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"NetSentry/internal/model"
	"NetSentry/internal/rpc"
)

func main() {
	address := flag.String("addr", "localhost:50052", "Analysis service address")
	src := flag.String("src", "192.168.1.20", "Source IP")
	dst := flag.String("dst", "10.0.0.5", "Destination IP")
	sport := flag.Uint("sport", 40000, "Source port")
	dport := flag.Uint("dport", 443, "Destination port")
	proto := flag.String("proto", model.ProtoTCP, "Transport protocol")
	size := flag.Int("size", 64, "Frame size in bytes")
	timeout := flag.Duration("timeout", 5*time.Second, "Request timeout")
	flag.Parse()

	flow := model.FlowRecord{
		ID:         1,
		Timestamp:  time.Now(),
		SourceIP:   net.ParseIP(*src),
		DestIP:     net.ParseIP(*dst),
		SourcePort: uint16(*sport),
		DestPort:   uint16(*dport),
		Protocol:   *proto,
		ByteSize:   *size,
	}
	if flow.SourceIP == nil || flow.DestIP == nil {
		log.Fatalf("Invalid source or destination IP")
	}

	client, err := rpc.Dial(*address)
	if err != nil {
		log.Fatalf("Did not connect: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	verdict, err := client.Classify(ctx, flow)
	if err != nil {
		log.Fatalf("Classify failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(verdict); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
