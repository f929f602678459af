package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ethchat.v1.Messenger"

// Method names.
const (
	MethodStatus        = "Status"
	MethodConnect       = "Connect"
	MethodRegister      = "Register"
	MethodLogout        = "Logout"
	MethodContacts      = "Contacts"
	MethodAddContact    = "AddContact"
	MethodSelect        = "Select"
	MethodDeselect      = "Deselect"
	MethodMessages      = "Messages"
	MethodSend          = "Send"
	MethodMarkRead      = "MarkRead"
	MethodBalance       = "Balance"
	MethodNotices       = "Notices"
	MethodDismissNotice = "DismissNotice"
	MethodHistory       = "History"
	MethodSearch        = "Search"
	MethodWatch         = "Watch"
)

// FullMethod returns the invoke path for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryFunc = func(context.Context, *structpb.Struct) (*structpb.Struct, error)

// MessengerServer is the server API for the Messenger service.
type MessengerServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Contacts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Select(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Deselect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Messages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Balance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Notices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DismissNotice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

func unary(name string, pick func(MessengerServer) unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			fn := pick(srv.(MessengerServer))
			if interceptor == nil {
				return fn(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MessengerServer).Watch(in, stream)
}

// ServiceDesc describes the Messenger service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessengerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, func(s MessengerServer) unaryFunc { return s.Status }),
		unary(MethodConnect, func(s MessengerServer) unaryFunc { return s.Connect }),
		unary(MethodRegister, func(s MessengerServer) unaryFunc { return s.Register }),
		unary(MethodLogout, func(s MessengerServer) unaryFunc { return s.Logout }),
		unary(MethodContacts, func(s MessengerServer) unaryFunc { return s.Contacts }),
		unary(MethodAddContact, func(s MessengerServer) unaryFunc { return s.AddContact }),
		unary(MethodSelect, func(s MessengerServer) unaryFunc { return s.Select }),
		unary(MethodDeselect, func(s MessengerServer) unaryFunc { return s.Deselect }),
		unary(MethodMessages, func(s MessengerServer) unaryFunc { return s.Messages }),
		unary(MethodSend, func(s MessengerServer) unaryFunc { return s.Send }),
		unary(MethodMarkRead, func(s MessengerServer) unaryFunc { return s.MarkRead }),
		unary(MethodBalance, func(s MessengerServer) unaryFunc { return s.Balance }),
		unary(MethodNotices, func(s MessengerServer) unaryFunc { return s.Notices }),
		unary(MethodDismissNotice, func(s MessengerServer) unaryFunc { return s.DismissNotice }),
		unary(MethodHistory, func(s MessengerServer) unaryFunc { return s.History }),
		unary(MethodSearch, func(s MessengerServer) unaryFunc { return s.Search }),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    MethodWatch,
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "ethchat/v1/messenger",
}
