package logs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/ws"
)

// Service handles build log persistence and streaming.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Topic is the hub topic carrying live lines for a build.
func Topic(buildID string) string {
	return "build:" + buildID
}

// Append stores lines in order and broadcasts them once stored. Lines are
// never rejected for their content.
func (s Service) Append(ctx context.Context, buildID string, lines ...domain.LogLine) ([]domain.LogLine, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	for i := range lines {
		if lines[i].Timestamp.IsZero() {
			lines[i].Timestamp = time.Now()
		}
		lines[i].Timestamp = lines[i].Timestamp.UTC()
		lines[i].Level = normalizeLevel(lines[i].Level)
	}
	stored, err := s.repo.AppendLogs(ctx, buildID, lines...)
	if err != nil {
		return nil, err
	}
	s.Publish(buildID, stored...)
	return stored, nil
}

// Publish pushes already stored lines to live subscribers.
func (s Service) Publish(buildID string, lines ...domain.LogLine) {
	if s.hub == nil {
		return
	}
	for _, line := range lines {
		data, err := MarshalLine(buildID, line)
		if err != nil {
			s.logger.Warn("failed to marshal log payload", "build_id", buildID, "error", err)
			continue
		}
		s.hub.Broadcast(Topic(buildID), data)
	}
}

// Finish tells live subscribers that the build reached status and no more
// lines follow.
func (s Service) Finish(buildID string, status domain.BuildStatus) {
	if s.hub == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"build_id": buildID,
		"type":     "end",
		"status":   status,
	})
	if err != nil {
		s.logger.Warn("failed to marshal end payload", "build_id", buildID, "error", err)
		return
	}
	s.hub.Broadcast(Topic(buildID), data)
}

// IsEnd reports whether payload is the end marker sent by Finish.
func IsEnd(payload []byte) bool {
	var marker struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(payload, &marker) == nil && marker.Type == "end"
}

// Read returns the full ordered log of a build.
func (s Service) Read(ctx context.Context, buildID string) ([]domain.LogLine, error) {
	return s.repo.ListLogs(ctx, buildID, 0)
}

// ReadSince returns lines appended after seq.
func (s Service) ReadSince(ctx context.Context, buildID string, seq int64) ([]domain.LogLine, error) {
	return s.repo.ListLogs(ctx, buildID, seq)
}

// Clear drops a build's log lines.
func (s Service) Clear(ctx context.Context, buildID string) error {
	if err := s.repo.ClearLogs(ctx, buildID); err != nil {
		return err
	}
	s.logger.Info("build logs cleared", "build_id", buildID)
	return nil
}

// Subscribe registers sub for live lines of a build and returns the lines
// stored so far. Live payloads with a sequence at or below the last snapshot
// line may repeat the snapshot; callers filter them with SeqOf.
func (s Service) Subscribe(ctx context.Context, buildID string, sub ws.Subscriber) ([]domain.LogLine, func(), error) {
	if s.hub == nil {
		return nil, nil, errors.New("logs: streaming is not configured")
	}
	topic := Topic(buildID)
	s.hub.Register(topic, sub)
	unsubscribe := func() { s.hub.Unregister(topic, sub) }
	snapshot, err := s.Read(ctx, buildID)
	if err != nil {
		unsubscribe()
		return nil, nil, err
	}
	return snapshot, unsubscribe, nil
}

// SeqOf extracts the sequence number from a streaming payload, or -1.
func SeqOf(payload []byte) int64 {
	var probe struct {
		Seq *int64 `json:"seq"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Seq == nil {
		return -1
	}
	return *probe.Seq
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalLine formats a build log line for streaming payloads.
func MarshalLine(buildID string, line domain.LogLine) ([]byte, error) {
	payload := map[string]any{
		"build_id":  buildID,
		"seq":       line.Seq,
		"stage":     line.Stage,
		"level":     line.Level,
		"message":   line.Message,
		"timestamp": line.Timestamp.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}
