package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/DataExMachina-dev/stackwalk-go/internal/report"
)

// The service is described by hand; its messages are well-known wrapper
// types, and the walk request travels inside a BytesValue:
//
//	service Inspector {
//	  rpc Info(google.protobuf.Empty) returns (google.protobuf.StringValue);
//	  // WalkRequest in, Report out.
//	  rpc Walk(google.protobuf.BytesValue) returns (google.protobuf.BytesValue);
//	}
//
//	message WalkRequest {
//	  string key = 1;
//	  uint32 kind = 2;
//	}
const (
	serviceName    = "stackwalk.v1.Inspector"
	infoMethodName = "/" + serviceName + "/Info"
	walkMethodName = "/" + serviceName + "/Walk"
)

type inspectorServer interface {
	Info(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Walk(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var _ inspectorServer = (*Server)(nil)

var inspectorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*inspectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Info", Handler: infoHandler},
		{MethodName: "Walk", Handler: walkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stackwalk/v1/inspector.proto",
}

func infoHandler(
	srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(inspectorServer).Info(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: infoMethodName}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(inspectorServer).Info(ctx, req.(*emptypb.Empty))
	})
}

func walkHandler(
	srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(inspectorServer).Walk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: walkMethodName}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(inspectorServer).Walk(ctx, req.(*wrapperspb.BytesValue))
	})
}

type walkRequest struct {
	Key  string
	Kind report.Kind
}

func (r walkRequest) marshal() []byte {
	var b []byte
	if r.Key != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Key)
	}
	if r.Kind != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Kind))
	}
	return b
}

func unmarshalWalkRequest(b []byte) (walkRequest, error) {
	var r walkRequest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.Key, b = v, b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.Kind, b = report.Kind(v), b[n:]
		case num == 1 || num == 2:
			return r, fmt.Errorf("field %d has wire type %d", num, typ)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if r.Key == "" {
		return r, fmt.Errorf("missing dump key")
	}
	return r, nil
}

// Client calls a remote inspector.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Info returns the remote fingerprint.
func (c *Client) Info(ctx context.Context, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, infoMethodName, new(emptypb.Empty), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// Walk asks the server to walk the dump stored under key.
func (c *Client) Walk(
	ctx context.Context, key string, kind report.Kind, opts ...grpc.CallOption,
) (*report.Report, error) {
	in := wrapperspb.Bytes(walkRequest{Key: key, Kind: kind}.marshal())
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, walkMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return report.Unmarshal(out.GetValue())
}
