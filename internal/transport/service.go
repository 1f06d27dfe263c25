// ============================================================================
// Delegate Manager Service - gRPC contract
// ============================================================================
//
// Package: internal/transport
// File: service.go
// Purpose: Service descriptor shared by the agent client and the development
//          manager. Messages are google.protobuf.Struct values encoded with the
//          default proto codec, see codec.go for the field layout.
//
// Methods:
//   Register      unary   identity            -> {agent_id}
//   Heartbeat     unary   identity            -> {}
//   Connect       bidi    {agent_id} (hello)  -> stream of {kind, task_id}
//   AcquireTask   unary   {agent_id, task_id} -> envelope | {found:false}
//   ReportResult  unary   result              -> {}
//   CheckUpgrade  unary   {version, agent_id} -> decision
//   SubmitTask    unary   {task_type, payload}-> {task_id}
//
// ============================================================================

package transport

import (
	"context"

	"github.com/ChuLiYu/delegate-agent/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "delegate.v1.ManagerService"

	methodRegister     = "/" + ServiceName + "/Register"
	methodHeartbeat    = "/" + ServiceName + "/Heartbeat"
	methodConnect      = "/" + ServiceName + "/Connect"
	methodAcquireTask  = "/" + ServiceName + "/AcquireTask"
	methodReportResult = "/" + ServiceName + "/ReportResult"
	methodCheckUpgrade = "/" + ServiceName + "/CheckUpgrade"
	methodSubmitTask   = "/" + ServiceName + "/SubmitTask"
)

// ManagerServer is implemented by a control plane
type ManagerServer interface {
	Register(ctx context.Context, identity types.AgentIdentity) (string, error)
	Heartbeat(ctx context.Context, identity types.AgentIdentity) error
	// Connect pushes messages for agentID through send until ctx is done.
	Connect(ctx context.Context, agentID string, send func(types.StreamMessage) error) error
	AcquireTask(ctx context.Context, agentID string, id types.TaskID) (*types.TaskEnvelope, error)
	ReportResult(ctx context.Context, agentID string, result types.TaskResult) error
	CheckUpgrade(ctx context.Context, version, agentID string) (types.UpgradeDecision, error)
	SubmitTask(ctx context.Context, taskType string, payload map[string]any) (types.TaskID, error)
}

// RegisterManagerServer registers srv on s
func RegisterManagerServer(s grpc.ServiceRegistrar, srv ManagerServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unary(methodRegister, handleRegister)},
		{MethodName: "Heartbeat", Handler: unary(methodHeartbeat, handleHeartbeat)},
		{MethodName: "AcquireTask", Handler: unary(methodAcquireTask, handleAcquireTask)},
		{MethodName: "ReportResult", Handler: unary(methodReportResult, handleReportResult)},
		{MethodName: "CheckUpgrade", Handler: unary(methodCheckUpgrade, handleCheckUpgrade)},
		{MethodName: "SubmitTask", Handler: unary(methodSubmitTask, handleSubmitTask)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       handleConnect,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "delegate/v1/manager.proto",
}

type unaryCall func(srv ManagerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ManagerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ManagerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func handleRegister(srv ManagerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	agentID, err := srv.Register(ctx, decodeIdentity(req))
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]any{"agent_id": agentID})
}

func handleHeartbeat(srv ManagerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := srv.Heartbeat(ctx, decodeIdentity(req)); err != nil {
		return nil, err
	}
	return &structpb.Struct{}, nil
}

func handleAcquireTask(srv ManagerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	env, err := srv.AcquireTask(ctx, getString(req, "agent_id"), types.TaskID(getString(req, "task_id")))
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(env)
}

func handleReportResult(srv ManagerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	agentID, result := decodeResult(req)
	if err := srv.ReportResult(ctx, agentID, result); err != nil {
		return nil, err
	}
	return &structpb.Struct{}, nil
}

func handleCheckUpgrade(srv ManagerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	decision, err := srv.CheckUpgrade(ctx, getString(req, "version"), getString(req, "agent_id"))
	if err != nil {
		return nil, err
	}
	return encodeDecision(decision)
}

func handleSubmitTask(srv ManagerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := srv.SubmitTask(ctx, getString(req, "task_type"), getMap(req, "payload"))
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]any{"task_id": string(id)})
}

func handleConnect(srv any, stream grpc.ServerStream) error {
	hello := new(structpb.Struct)
	if err := stream.RecvMsg(hello); err != nil {
		return err
	}
	send := func(m types.StreamMessage) error {
		msg, err := encodeMessage(m)
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	}
	return srv.(ManagerServer).Connect(stream.Context(), getString(hello, "agent_id"), send)
}
