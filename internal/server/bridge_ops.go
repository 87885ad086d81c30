package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/termbench/benchd/internal/bridge"
	"github.com/termbench/benchd/internal/ops"
)

func isBridgeOp(op ops.Op) bool {
	return strings.HasPrefix(string(op), "bridge.")
}

func marshalResult(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &ops.Error{Code: ops.CodeInternal, Message: err.Error()}
	}
	return data, nil
}

// serverStatusResult wraps bridge.ServerStatus with a running flag so a
// status query on an idle bridge is not an error.
type serverStatusResult struct {
	Running bool `json:"running"`
	bridge.ServerStatus
}

// invokeBridge executes a bridge control operation. These always act on this
// daemon's bridge, even while connected to a remote peer.
func (s *Server) invokeBridge(ctx context.Context, op ops.Op, params json.RawMessage) (json.RawMessage, error) {
	switch op {
	case ops.BridgeStartServer:
		var p ops.BridgeStartParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, ops.BadRequest("invalid params: %v", err)
			}
		}
		st, err := s.bridge.StartServer(p.Port, p.Token)
		if err != nil {
			return nil, err
		}
		return marshalResult(st)

	case ops.BridgeStopServer:
		return marshalResult(ops.BoolResult{OK: s.bridge.StopServer()})

	case ops.BridgeServerStatus:
		st, running := s.bridge.ServerStatus()
		return marshalResult(serverStatusResult{Running: running, ServerStatus: st})

	case ops.BridgeConnect:
		var p ops.BridgeConnectParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ops.BadRequest("invalid params: %v", err)
		}
		if p.Addr == "" {
			return nil, ops.BadRequest("addr is required")
		}
		if err := s.bridge.Connect(ctx, p.Addr, p.Token, p.Label); err != nil {
			return nil, err
		}
		return marshalResult(s.bridge.ClientStatus())

	case ops.BridgeDisconnect:
		return marshalResult(ops.BoolResult{OK: s.bridge.Disconnect()})

	case ops.BridgeClientStatus:
		return marshalResult(s.bridge.ClientStatus())

	default:
		return nil, &ops.Error{Code: ops.CodeUnknownOp, Message: string(op)}
	}
}
