package rpc

import (
	"context"
	"fmt"

	"NetSentry/internal/model"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// AnalysisClient implements model.Analyzer against a remote analysis server.
type AnalysisClient struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to the analysis service at addr.
func Dial(addr string, opts ...grpc.DialOption) (*AnalysisClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to analysis service: %w", err)
	}
	return &AnalysisClient{cc: conn, conn: conn}, nil
}

// NewAnalysisClient wraps an existing connection.
func NewAnalysisClient(cc grpc.ClientConnInterface) *AnalysisClient {
	return &AnalysisClient{cc: cc}
}

func (c *AnalysisClient) Classify(ctx context.Context, flow model.FlowRecord) (model.Verdict, error) {
	return c.invoke(ctx, "Classify", flow)
}

func (c *AnalysisClient) AnalyzeIncident(ctx context.Context, flows []model.FlowRecord) (model.Verdict, error) {
	return c.invoke(ctx, "AnalyzeIncident", incidentRequest{Flows: flows})
}

func (c *AnalysisClient) invoke(ctx context.Context, method string, req any) (model.Verdict, error) {
	in, err := toStruct(req)
	if err != nil {
		return model.Verdict{}, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out); err != nil {
		return model.Verdict{}, fromStatus(err)
	}
	var v model.Verdict
	if err := fromStruct(out, &v); err != nil {
		return model.Verdict{}, fmt.Errorf("decode %s reply: %w", method, err)
	}
	return v, nil
}

// Close releases the connection opened by Dial.
func (c *AnalysisClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
