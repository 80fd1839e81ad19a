package rpc

import (
	"encoding/json"

	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/model"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages travel as google.protobuf.Struct carrying the JSON form of the
// model types, so no generated code is needed on either side.

type incidentRequest struct {
	Flows []model.FlowRecord `json:"flows"`
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// toStatus maps an analyzer error onto a gRPC status.
func toStatus(err error) error {
	code := codes.Internal
	switch nserrors.GetKind(err) {
	case nserrors.KindValidation:
		code = codes.InvalidArgument
	case nserrors.KindTimeout, nserrors.KindClassificationTimeout:
		code = codes.DeadlineExceeded
	case nserrors.KindUnavailable:
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

// fromStatus maps a gRPC failure back onto an error kind.
func fromStatus(err error) error {
	st, _ := status.FromError(err)
	kind := nserrors.KindClassificationFailure
	switch st.Code() {
	case codes.InvalidArgument:
		kind = nserrors.KindValidation
	case codes.DeadlineExceeded, codes.Canceled:
		kind = nserrors.KindTimeout
	case codes.Unavailable:
		kind = nserrors.KindUnavailable
	}
	return nserrors.Wrap(err, kind, "analysis rpc failed")
}
