package ops

import (
	"context"
	"encoding/json"

	"github.com/termbench/benchd/internal/agent"
	"github.com/termbench/benchd/internal/archive"
	"github.com/termbench/benchd/internal/pty"
)

// Local dispatches operations straight to the in-process managers.
type Local struct {
	Pty   *pty.Manager
	Agent *agent.Manager
	Store *archive.Store
}

// Invoke executes one operation against the local managers.
func (l *Local) Invoke(ctx context.Context, op Op, params json.RawMessage) (json.RawMessage, error) {
	switch op {
	case PtyCreate:
		var p PtyCreateParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		id, err := l.Pty.Create(pty.CreateOptions{ID: p.ID, Cwd: p.Cwd, Shell: p.Shell, Cols: p.Cols, Rows: p.Rows})
		if err != nil {
			return nil, err
		}
		return marshal(CreateResult{ID: id})

	case PtyWrite:
		var p PtyWriteParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Pty.Write(p.ID, p.Data)

	case PtyResize:
		var p PtyResizeParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Pty.Resize(p.ID, p.Cols, p.Rows)

	case PtyRestart:
		var p PtyRestartParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Pty.Restart(p.ID, p.Cwd, p.Shell)

	case PtyKill:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Pty.Kill(p.ID)

	case PtyGetCwd:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		cwd, err := l.Pty.GetCwd(p.ID)
		if err != nil {
			return nil, err
		}
		return marshal(CwdResult{Cwd: cwd})

	case PtySnapshot:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		data, err := l.Pty.Snapshot(p.ID)
		if err != nil {
			return nil, err
		}
		return marshal(SnapshotResult{Data: data})

	case PtyList:
		return marshal(ListResult{IDs: l.Pty.List()})

	case AgentStart:
		var p AgentStartParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		id, err := l.Agent.StartSession(agent.StartOptions{
			ID: p.ID, Cwd: p.Cwd, Prompt: p.Prompt,
			PermissionMode: p.PermissionMode, Model: p.Model,
		})
		if err != nil {
			return nil, err
		}
		return marshal(CreateResult{ID: id})

	case AgentSend:
		var p SendParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.SendMessage(ctx, p.ID, p.Text, p.Images)

	case AgentStop:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.StopSession(p.ID)

	case AgentSetPermissionMode:
		var p SetValueParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.SetPermissionMode(ctx, p.ID, p.Value)

	case AgentSetModel:
		var p SetValueParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.SetModel(ctx, p.ID, p.Value)

	case AgentSetEffort:
		var p SetValueParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.SetEffort(p.ID, p.Value)

	case AgentSet1MContext:
		var p SetBoolParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.Set1MContext(ctx, p.ID, p.Enabled)

	case AgentGetModels:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		models, err := l.Agent.GetSupportedModels(p.ID)
		if err != nil {
			return nil, err
		}
		return marshal(ModelsResult{Models: models})

	case AgentResolvePermission:
		var p ResolvePermissionParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.ResolvePermission(p.ID, p.ToolUseID, agent.Response{
			OptionID: p.OptionID, Cancelled: p.Cancelled,
		})

	case AgentResolveAskUser:
		var p ResolveAskUserParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.ResolveAskUser(p.ID, p.ToolUseID, p.Answers)

	case AgentList:
		var p ListSessionsParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		sessions, err := l.Agent.ListSessions(p.Cwd)
		if err != nil {
			return nil, err
		}
		return marshal(ListSessionsResult{Sessions: sessions})

	case AgentResume:
		var p ResumeParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.ResumeSession(ctx, p.ID, p.SDKSessionID, p.Cwd)

	case AgentReset:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.ResetSession(ctx, p.ID)

	case AgentRest:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.RestSession(ctx, p.ID)

	case AgentWake:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := l.Agent.WakeSession(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return marshal(BoolResult{OK: ok})

	case AgentIsResting:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		resting, err := l.Agent.IsResting(p.ID)
		if err != nil {
			return nil, err
		}
		return marshal(BoolResult{OK: resting})

	case AgentMessages:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		msgs, err := l.Agent.Messages(p.ID)
		if err != nil {
			return nil, err
		}
		return marshal(MessagesResult{Messages: msgs})

	case AgentArchive:
		var p ArchiveParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.ArchiveMessages(p.ID, p.Messages)

	case AgentLoadArchived:
		var p LoadArchivedParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		page, err := l.Agent.LoadArchived(p.ID, p.Offset, p.Limit)
		if err != nil {
			return nil, err
		}
		return marshal(page)

	case AgentClearArchive:
		var p IDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Agent.ClearArchive(p.ID)

	case ProfileSave:
		var p ProfileSaveParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, l.Store.SaveProfile(p.Name, p.Data)

	case ProfileLoad:
		var p ProfileLoadParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		data, err := l.Store.LoadProfile(p.Name)
		if err != nil {
			return nil, err
		}
		return marshal(ProfileResult{Data: data})

	default:
		return nil, &Error{Code: CodeUnknownOp, Message: string(op)}
	}
}

func unmarshal(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return BadRequest("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return BadRequest("invalid params: %v", err)
	}
	return nil
}

func marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Message: err.Error()}
	}
	return data, nil
}
