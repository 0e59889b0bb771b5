package agentproto

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "agentproto.SandboxAgent"

// SandboxAgentServer is implemented by the in-VM agent.
type SandboxAgentServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	Exec(context.Context, *ExecRequest) (*ExecResponse, error)
	ReadFile(context.Context, *ReadFileRequest) (*ReadFileResponse, error)
	WriteFile(context.Context, *WriteFileRequest) (*WriteFileResponse, error)
	ListDir(context.Context, *ListDirRequest) (*ListDirResponse, error)
	MakeDir(context.Context, *MakeDirRequest) (*MakeDirResponse, error)
	Remove(context.Context, *RemoveRequest) (*RemoveResponse, error)
	Exists(context.Context, *ExistsRequest) (*ExistsResponse, error)
	Stat(context.Context, *StatRequest) (*StatResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error)
	SyncFS(context.Context, *SyncFSRequest) (*SyncFSResponse, error)
	PTYCreate(context.Context, *PTYCreateRequest) (*PTYCreateResponse, error)
	PTYResize(context.Context, *PTYResizeRequest) (*PTYResizeResponse, error)
	PTYKill(context.Context, *PTYKillRequest) (*PTYKillResponse, error)
}

// RegisterSandboxAgentServer registers srv against the gRPC server using the
// JSON codec declared in codec.go.
func RegisterSandboxAgentServer(s *grpc.Server, srv SandboxAgentServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req any, Resp any](call func(SandboxAgentServer, context.Context, *Req) (*Resp, error), method string) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SandboxAgentServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SandboxAgentServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SandboxAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: unaryHandler(SandboxAgentServer.Ping, "Ping")},
		{MethodName: "Exec", Handler: unaryHandler(SandboxAgentServer.Exec, "Exec")},
		{MethodName: "ReadFile", Handler: unaryHandler(SandboxAgentServer.ReadFile, "ReadFile")},
		{MethodName: "WriteFile", Handler: unaryHandler(SandboxAgentServer.WriteFile, "WriteFile")},
		{MethodName: "ListDir", Handler: unaryHandler(SandboxAgentServer.ListDir, "ListDir")},
		{MethodName: "MakeDir", Handler: unaryHandler(SandboxAgentServer.MakeDir, "MakeDir")},
		{MethodName: "Remove", Handler: unaryHandler(SandboxAgentServer.Remove, "Remove")},
		{MethodName: "Exists", Handler: unaryHandler(SandboxAgentServer.Exists, "Exists")},
		{MethodName: "Stat", Handler: unaryHandler(SandboxAgentServer.Stat, "Stat")},
		{MethodName: "Stats", Handler: unaryHandler(SandboxAgentServer.Stats, "Stats")},
		{MethodName: "Shutdown", Handler: unaryHandler(SandboxAgentServer.Shutdown, "Shutdown")},
		{MethodName: "SyncFS", Handler: unaryHandler(SandboxAgentServer.SyncFS, "SyncFS")},
		{MethodName: "PTYCreate", Handler: unaryHandler(SandboxAgentServer.PTYCreate, "PTYCreate")},
		{MethodName: "PTYResize", Handler: unaryHandler(SandboxAgentServer.PTYResize, "PTYResize")},
		{MethodName: "PTYKill", Handler: unaryHandler(SandboxAgentServer.PTYKill, "PTYKill")},
	},
	Metadata: "agentproto.proto",
}

// SandboxAgentClient is the host-side view of the agent's RPC surface.
type SandboxAgentClient interface {
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error)
	Exec(ctx context.Context, in *ExecRequest, opts ...grpc.CallOption) (*ExecResponse, error)
	ReadFile(ctx context.Context, in *ReadFileRequest, opts ...grpc.CallOption) (*ReadFileResponse, error)
	WriteFile(ctx context.Context, in *WriteFileRequest, opts ...grpc.CallOption) (*WriteFileResponse, error)
	ListDir(ctx context.Context, in *ListDirRequest, opts ...grpc.CallOption) (*ListDirResponse, error)
	MakeDir(ctx context.Context, in *MakeDirRequest, opts ...grpc.CallOption) (*MakeDirResponse, error)
	Remove(ctx context.Context, in *RemoveRequest, opts ...grpc.CallOption) (*RemoveResponse, error)
	Exists(ctx context.Context, in *ExistsRequest, opts ...grpc.CallOption) (*ExistsResponse, error)
	Stat(ctx context.Context, in *StatRequest, opts ...grpc.CallOption) (*StatResponse, error)
	Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error)
	Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*ShutdownResponse, error)
	SyncFS(ctx context.Context, in *SyncFSRequest, opts ...grpc.CallOption) (*SyncFSResponse, error)
	PTYCreate(ctx context.Context, in *PTYCreateRequest, opts ...grpc.CallOption) (*PTYCreateResponse, error)
	PTYResize(ctx context.Context, in *PTYResizeRequest, opts ...grpc.CallOption) (*PTYResizeResponse, error)
	PTYKill(ctx context.Context, in *PTYKillRequest, opts ...grpc.CallOption) (*PTYKillResponse, error)
}

type sandboxAgentClient struct {
	cc *grpc.ClientConn
}

// NewSandboxAgentClient wraps cc. Every call is pinned to the JSON codec
// registered in codec.go via grpc.CallContentSubtype, independent of
// whatever default content-subtype the connection was dialed with.
func NewSandboxAgentClient(cc *grpc.ClientConn) SandboxAgentClient {
	return &sandboxAgentClient{cc: cc}
}

func invokeJSON[Resp any](ctx context.Context, c *sandboxAgentClient, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *sandboxAgentClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	return invokeJSON[PingResponse](ctx, c, "Ping", in, opts)
}

func (c *sandboxAgentClient) Exec(ctx context.Context, in *ExecRequest, opts ...grpc.CallOption) (*ExecResponse, error) {
	return invokeJSON[ExecResponse](ctx, c, "Exec", in, opts)
}

func (c *sandboxAgentClient) ReadFile(ctx context.Context, in *ReadFileRequest, opts ...grpc.CallOption) (*ReadFileResponse, error) {
	return invokeJSON[ReadFileResponse](ctx, c, "ReadFile", in, opts)
}

func (c *sandboxAgentClient) WriteFile(ctx context.Context, in *WriteFileRequest, opts ...grpc.CallOption) (*WriteFileResponse, error) {
	return invokeJSON[WriteFileResponse](ctx, c, "WriteFile", in, opts)
}

func (c *sandboxAgentClient) ListDir(ctx context.Context, in *ListDirRequest, opts ...grpc.CallOption) (*ListDirResponse, error) {
	return invokeJSON[ListDirResponse](ctx, c, "ListDir", in, opts)
}

func (c *sandboxAgentClient) MakeDir(ctx context.Context, in *MakeDirRequest, opts ...grpc.CallOption) (*MakeDirResponse, error) {
	return invokeJSON[MakeDirResponse](ctx, c, "MakeDir", in, opts)
}

func (c *sandboxAgentClient) Remove(ctx context.Context, in *RemoveRequest, opts ...grpc.CallOption) (*RemoveResponse, error) {
	return invokeJSON[RemoveResponse](ctx, c, "Remove", in, opts)
}

func (c *sandboxAgentClient) Exists(ctx context.Context, in *ExistsRequest, opts ...grpc.CallOption) (*ExistsResponse, error) {
	return invokeJSON[ExistsResponse](ctx, c, "Exists", in, opts)
}

func (c *sandboxAgentClient) Stat(ctx context.Context, in *StatRequest, opts ...grpc.CallOption) (*StatResponse, error) {
	return invokeJSON[StatResponse](ctx, c, "Stat", in, opts)
}

func (c *sandboxAgentClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	return invokeJSON[StatsResponse](ctx, c, "Stats", in, opts)
}

func (c *sandboxAgentClient) Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*ShutdownResponse, error) {
	return invokeJSON[ShutdownResponse](ctx, c, "Shutdown", in, opts)
}

func (c *sandboxAgentClient) SyncFS(ctx context.Context, in *SyncFSRequest, opts ...grpc.CallOption) (*SyncFSResponse, error) {
	return invokeJSON[SyncFSResponse](ctx, c, "SyncFS", in, opts)
}

func (c *sandboxAgentClient) PTYCreate(ctx context.Context, in *PTYCreateRequest, opts ...grpc.CallOption) (*PTYCreateResponse, error) {
	return invokeJSON[PTYCreateResponse](ctx, c, "PTYCreate", in, opts)
}

func (c *sandboxAgentClient) PTYResize(ctx context.Context, in *PTYResizeRequest, opts ...grpc.CallOption) (*PTYResizeResponse, error) {
	return invokeJSON[PTYResizeResponse](ctx, c, "PTYResize", in, opts)
}

func (c *sandboxAgentClient) PTYKill(ctx context.Context, in *PTYKillRequest, opts ...grpc.CallOption) (*PTYKillResponse, error) {
	return invokeJSON[PTYKillResponse](ctx, c, "PTYKill", in, opts)
}
