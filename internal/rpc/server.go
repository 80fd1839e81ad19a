package rpc

import (
	"context"
	"time"

	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "netsentry.analysis.v1.Analysis"

// analysisService is the handler type checked by grpc.RegisterService.
type analysisService interface {
	classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	analyzeIncident(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type analysisServer struct {
	analyzer model.Analyzer
}

// RegisterAnalysisServer exposes analyzer on s.
func RegisterAnalysisServer(s grpc.ServiceRegistrar, analyzer model.Analyzer) {
	s.RegisterService(&serviceDesc, &analysisServer{analyzer: analyzer})
}

func (s *analysisServer) classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var flow model.FlowRecord
	if err := fromStruct(in, &flow); err != nil {
		return nil, toStatus(nserrors.Wrap(err, nserrors.KindValidation, "decode flow"))
	}
	v, err := s.analyzer.Classify(ctx, flow)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(v)
}

func (s *analysisServer) analyzeIncident(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req incidentRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(nserrors.Wrap(err, nserrors.KindValidation, "decode incident"))
	}
	v, err := s.analyzer.AnalyzeIncident(ctx, req.Flows)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(v)
}

func unaryHandler(call func(analysisService, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(analysisService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(analysisService), ctx, req.(*structpb.Struct))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*analysisService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: unaryHandler(analysisService.classify, "Classify")},
		{MethodName: "AnalyzeIncident", Handler: unaryHandler(analysisService.analyzeIncident, "AnalyzeIncident")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "netsentry/analysis/v1/analysis.proto",
}

// LoggingInterceptor logs every analysis call with its latency.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	entry := logger.WithComponent("rpc").WithField("method", info.FullMethod).WithField("latency", time.Since(start))
	if err != nil {
		entry.WithError(err).Warn("analysis call failed")
	} else {
		entry.Debug("analysis call served")
	}
	return resp, err
}
