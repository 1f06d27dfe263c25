package transport

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/delegate-agent/pkg/types"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire messages are google.protobuf.Struct values. The helpers below map the domain types
// to and from flat structs with snake_case keys.

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

func getString(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func getBool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func getInt(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func getMap(s *structpb.Struct, key string) map[string]any {
	v := s.GetFields()[key].GetStructValue()
	if v == nil {
		return nil
	}
	return v.AsMap()
}

func getTime(s *structpb.Struct, key string) time.Time {
	raw := getString(s, key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeIdentity(id types.AgentIdentity) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"host_address":          id.HostAddress,
		"host_name":             id.HostName,
		"account_id":            id.AccountID,
		"agent_id":              id.AgentID,
		"version":               id.Version,
		"instance_id":           id.InstanceID,
		"heartbeat_interval_ms": id.HeartbeatInterval.Milliseconds(),
		"status":                string(id.Status),
		"connected":             id.Connected,
		"last_heartbeat_at":     formatTime(id.LastHeartbeatAt),
		"running_tasks":         id.RunningTasks,
	})
}

func decodeIdentity(s *structpb.Struct) types.AgentIdentity {
	return types.AgentIdentity{
		HostAddress:       getString(s, "host_address"),
		HostName:          getString(s, "host_name"),
		AccountID:         getString(s, "account_id"),
		AgentID:           getString(s, "agent_id"),
		Version:           getString(s, "version"),
		InstanceID:        getString(s, "instance_id"),
		HeartbeatInterval: time.Duration(getInt(s, "heartbeat_interval_ms")) * time.Millisecond,
		Status:            types.AgentStatus(getString(s, "status")),
		Connected:         getBool(s, "connected"),
		LastHeartbeatAt:   getTime(s, "last_heartbeat_at"),
		RunningTasks:      getInt(s, "running_tasks"),
	}
}

func encodeEnvelope(env *types.TaskEnvelope) (*structpb.Struct, error) {
	if env == nil {
		return newStruct(map[string]any{"found": false})
	}
	payload := env.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return newStruct(map[string]any{
		"found":       true,
		"task_id":     string(env.ID),
		"task_type":   env.Type,
		"payload":     payload,
		"acquired_at": formatTime(env.AcquiredAt),
	})
}

func decodeEnvelope(s *structpb.Struct) *types.TaskEnvelope {
	if !getBool(s, "found") {
		return nil
	}
	return &types.TaskEnvelope{
		ID:         types.TaskID(getString(s, "task_id")),
		Type:       getString(s, "task_type"),
		Payload:    getMap(s, "payload"),
		AcquiredAt: getTime(s, "acquired_at"),
	}
}

func encodeResult(agentID string, r types.TaskResult) (*structpb.Struct, error) {
	m := map[string]any{
		"agent_id":    agentID,
		"task_id":     string(r.TaskID),
		"status":      string(r.Status),
		"error":       r.Error,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Output != nil {
		m["output"] = r.Output
	}
	return newStruct(m)
}

func decodeResult(s *structpb.Struct) (string, types.TaskResult) {
	return getString(s, "agent_id"), types.TaskResult{
		TaskID:   types.TaskID(getString(s, "task_id")),
		Status:   types.ResultStatus(getString(s, "status")),
		Output:   getMap(s, "output"),
		Error:    getString(s, "error"),
		Duration: time.Duration(getInt(s, "duration_ms")) * time.Millisecond,
	}
}

func encodeMessage(m types.StreamMessage) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"kind":    string(m.Kind),
		"task_id": string(m.TaskID),
	})
}

func decodeMessage(s *structpb.Struct) types.StreamMessage {
	return types.StreamMessage{
		Kind:   types.MessageKind(getString(s, "kind")),
		TaskID: types.TaskID(getString(s, "task_id")),
	}
}

func encodeDecision(d types.UpgradeDecision) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"should_upgrade": d.ShouldUpgrade,
		"target_version": d.TargetVersion,
		"artifact_url":   d.ArtifactURL,
	})
}

func decodeDecision(s *structpb.Struct) types.UpgradeDecision {
	return types.UpgradeDecision{
		ShouldUpgrade: getBool(s, "should_upgrade"),
		TargetVersion: getString(s, "target_version"),
		ArtifactURL:   getString(s, "artifact_url"),
	}
}
