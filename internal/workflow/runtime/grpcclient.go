package runtime

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/100monkeys/fractal/internal/workflow"
)

// Full gRPC method names for the out-of-process spawner service. The
// service itself (and its .proto contract) lives outside this module;
// GRPCClient only needs the method names and the wire shape it sends,
// which it carries as google.protobuf.Struct rather than a generated
// request/response pair, since the spawner's schema is the sandboxed
// runtime's to own, not this engine's.
const (
	methodSpawn     = "/fractal.runtime.v1.Runtime/Spawn"
	methodExecute   = "/fractal.runtime.v1.Runtime/Execute"
	methodTerminate = "/fractal.runtime.v1.Runtime/Terminate"
	methodStatus    = "/fractal.runtime.v1.Runtime/Status"
)

// GRPCClient is a thin client-side adapter implementing Runtime against
// an out-of-process spawner reachable over conn. It performs no
// sandboxing itself — spawn/execute/terminate/status are all proxied
// RPCs.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient wraps an already-dialed connection to the spawner
// service. Dialing (TLS, credentials, retries) is the caller's concern.
func NewGRPCClient(conn *grpc.ClientConn) *GRPCClient {
	return &GRPCClient{conn: conn}
}

var _ Runtime = (*GRPCClient)(nil)

func (c *GRPCClient) Spawn(ctx context.Context, req SpawnRequest) (SpawnHandle, error) {
	payload, err := structpb.NewStruct(map[string]any{
		"agent_ref": req.AgentRef,
		"input":     req.Input,
		"isolation": req.Isolation,
		"timeout":   req.Timeout.String(),
	})
	if err != nil {
		return SpawnHandle{}, fmt.Errorf("%w: encode spawn request: %v", workflow.ErrRuntimeError, err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodSpawn, payload, resp); err != nil {
		return SpawnHandle{}, fmt.Errorf("%w: %v", workflow.ErrRuntimeError, err)
	}

	id, ok := resp.Fields["id"]
	if !ok {
		return SpawnHandle{}, fmt.Errorf("%w: spawn response missing id", workflow.ErrProtocolError)
	}
	return SpawnHandle{ID: id.GetStringValue()}, nil
}

func (c *GRPCClient) Execute(ctx context.Context, handle SpawnHandle) (RunResult, error) {
	payload, err := structpb.NewStruct(map[string]any{"id": handle.ID})
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: encode execute request: %v", workflow.ErrRuntimeError, err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodExecute, payload, resp); err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", workflow.ErrRuntimeError, err)
	}

	raw := resp.Fields["raw_output"].GetStringValue()
	exitCode := int32(resp.Fields["exit_code"].GetNumberValue())
	return RunResult{RawOutput: raw, ExitCode: exitCode}, nil
}

func (c *GRPCClient) Terminate(ctx context.Context, handle SpawnHandle) error {
	payload, err := structpb.NewStruct(map[string]any{"id": handle.ID})
	if err != nil {
		return fmt.Errorf("%w: encode terminate request: %v", workflow.ErrRuntimeError, err)
	}
	if err := c.conn.Invoke(ctx, methodTerminate, payload, &structpb.Struct{}); err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrRuntimeError, err)
	}
	return nil
}

func (c *GRPCClient) Status(ctx context.Context, handle SpawnHandle) (Status, error) {
	payload, err := structpb.NewStruct(map[string]any{"id": handle.ID})
	if err != nil {
		return "", fmt.Errorf("%w: encode status request: %v", workflow.ErrRuntimeError, err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodStatus, payload, resp); err != nil {
		return "", fmt.Errorf("%w: %v", workflow.ErrRuntimeError, err)
	}
	return Status(resp.Fields["status"].GetStringValue()), nil
}
