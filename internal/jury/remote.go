package jury

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// evaluateMethod is the full method name of the external jury service.
const evaluateMethod = "/govern.jury.v1.JuryService/Evaluate"

// RemoteJuror calls an out-of-process juror over gRPC. Request and response
// travel as protobuf Structs so the panel can mix juror implementations
// without a shared schema rollout.
type RemoteJuror struct {
	name string
	conn *grpc.ClientConn
}

func NewRemoteJuror(name, addr string) (*RemoteJuror, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("jury: connect remote juror %s: %w", name, err)
	}
	return &RemoteJuror{name: name, conn: conn}, nil
}

func (r *RemoteJuror) Name() string { return r.name }

func (r *RemoteJuror) Evaluate(ctx context.Context, req *Request) (Ballot, error) {
	payload, err := structpb.NewStruct(map[string]interface{}{
		"request_id": req.RequestID,
		"tenant_id":  req.TenantID,
		"agent_id":   req.AgentID,
		"tool_name":  req.ToolName,
		"arguments":  req.Arguments,
		"ghost_view": req.GhostView,
	})
	if err != nil {
		return Ballot{}, fmt.Errorf("jury: encode remote request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, evaluateMethod, payload, resp); err != nil {
		return Ballot{}, fmt.Errorf("jury: remote juror %s: %w", r.name, err)
	}

	fields := resp.AsMap()
	ballot := Ballot{Juror: r.name, Vote: VoteAbstain}
	if v, ok := fields["vote"].(string); ok {
		switch Vote(v) {
		case VoteApprove, VoteReject, VoteAbstain:
			ballot.Vote = Vote(v)
		}
	}
	if v, ok := fields["trust_score"].(float64); ok {
		ballot.TrustScore = v
	}
	if v, ok := fields["reasoning"].(string); ok {
		ballot.Reasoning = v
	}
	return ballot, nil
}

func (r *RemoteJuror) Close() error {
	return r.conn.Close()
}
