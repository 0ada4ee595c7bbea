package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bank.v1.TransferService"

// TransferServiceHandler is the server API for the transfer service. Requests
// and responses are google.protobuf.Struct documents.
type TransferServiceHandler interface {
	TransferMoney(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CreateAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListAccounts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type handlerFunc func(TransferServiceHandler, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call handlerFunc) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TransferServiceHandler), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(TransferServiceHandler), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the transfer service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TransferServiceHandler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("TransferMoney", TransferServiceHandler.TransferMoney),
		unaryMethod("CreateAccount", TransferServiceHandler.CreateAccount),
		unaryMethod("GetAccount", TransferServiceHandler.GetAccount),
		unaryMethod("ListAccounts", TransferServiceHandler.ListAccounts),
		unaryMethod("ListTransactions", TransferServiceHandler.ListTransactions),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bank/v1/transfer_service",
}

// RegisterTransferServiceServer registers srv on s.
func RegisterTransferServiceServer(s grpc.ServiceRegistrar, srv TransferServiceHandler) {
	s.RegisterService(&ServiceDesc, srv)
}

// TransferServiceClient calls the transfer service.
type TransferServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTransferServiceClient creates a client on an established connection.
func NewTransferServiceClient(cc grpc.ClientConnInterface) *TransferServiceClient {
	return &TransferServiceClient{cc: cc}
}

func (c *TransferServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TransferServiceClient) TransferMoney(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "TransferMoney", in, opts...)
}

func (c *TransferServiceClient) CreateAccount(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CreateAccount", in, opts...)
}

func (c *TransferServiceClient) GetAccount(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetAccount", in, opts...)
}

func (c *TransferServiceClient) ListAccounts(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListAccounts", in, opts...)
}

func (c *TransferServiceClient) ListTransactions(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListTransactions", in, opts...)
}
