package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

// #region encode
// toStruct encodes any JSON-marshalable value as a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// fromStruct decodes a Struct into a JSON-tagged Go value.
func fromStruct(s *structpb.Struct, out any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// #endregion encode

// #region fields
func field(in *structpb.Struct, key string) (*structpb.Value, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "missing field %q", key)
	}
	return v, nil
}

func number(in *structpb.Struct, key string) (float64, error) {
	v, err := field(in, key)
	if err != nil {
		return 0, err
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "field %q must be a number", key)
	}
	return n.NumberValue, nil
}

// optionalNumber returns def when key is absent.
func optionalNumber(in *structpb.Struct, key string, def float64) (float64, error) {
	if _, ok := in.GetFields()[key]; !ok {
		return def, nil
	}
	return number(in, key)
}

func integer(in *structpb.Struct, key string) (int64, error) {
	n, err := number(in, key)
	if err != nil {
		return 0, err
	}
	if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
		return 0, status.Errorf(codes.InvalidArgument, "field %q must be an integer", key)
	}
	return int64(n), nil
}

func id(in *structpb.Struct) (uint64, error) {
	n, err := integer(in, "id")
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "field \"id\" must not be negative")
	}
	return uint64(n), nil
}

func boolean(in *structpb.Struct, key string) (bool, error) {
	v, err := field(in, key)
	if err != nil {
		return false, err
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, status.Errorf(codes.InvalidArgument, "field %q must be a bool", key)
	}
	return b.BoolValue, nil
}

func vector(in *structpb.Struct, key string) ([]float32, error) {
	v, err := field(in, key)
	if err != nil {
		return nil, err
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "field %q must be a list of numbers", key)
	}
	out := make([]float32, len(list.ListValue.GetValues()))
	for i, e := range list.ListValue.GetValues() {
		n, ok := e.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "field %q[%d] must be a number", key, i)
		}
		out[i] = float32(n.NumberValue)
	}
	return out, nil
}

func object(in *structpb.Struct, key string) (map[string]any, error) {
	v, err := field(in, key)
	if err != nil {
		return nil, err
	}
	s, ok := v.GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "field %q must be an object", key)
	}
	return s.StructValue.AsMap(), nil
}

// #endregion fields

// #region status
var codeTable = []struct {
	err  error
	code codes.Code
}{
	{errs.ErrInvalidInput, codes.InvalidArgument},
	{errs.ErrNotFound, codes.NotFound},
	{errs.ErrInvalidState, codes.FailedPrecondition},
	{errs.ErrOutOfRange, codes.OutOfRange},
	{errs.ErrDisabled, codes.Unavailable},
	{errs.ErrCycleRunning, codes.Aborted},
	{errs.ErrDivergence, codes.Internal},
}

// toStatus maps engine errors onto gRPC status codes. Errors that already carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return status.Error(c.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus wraps an RPC error with the engine sentinel matching its code, so callers can use errors.Is on
// either side of the bridge.
func fromStatus(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	for _, c := range codeTable {
		if c.code == st.Code() && c.code != codes.Internal {
			return fmt.Errorf("%s rpc: %w: %w", method, c.err, err)
		}
	}
	return fmt.Errorf("%s rpc: %w", method, err)
}

// #endregion status
