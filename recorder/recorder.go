// Package recorder persists conversation snapshots as JSON transcript files.
// Each snapshot is written to its own file so a crash mid-conversation never
// loses a previously recorded state.
package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/chat"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "recorder")

// ErrEncoding is returned when a conversation cannot be normalized or
// written to disk.
var ErrEncoding = errors.New("failed to encode conversation")

const (
	dirPerm   = 0o755
	filePerm  = 0o644
	tsLayout  = "2006-01-02_15-04-05"
	shortUUID = 8
)

// Recorder writes conversation transcripts under a directory.
type Recorder struct {
	dir string
}

// New returns a Recorder that stores transcripts under dir.
// The directory is created on first Record.
func New(dir string) *Recorder {
	return &Recorder{dir: dir}
}

// Dir returns the transcript directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// transcriptMessage is the stable on-disk message shape. Fields are emitted
// per role: content when present, tool_calls only for assistant messages,
// tool_call_id only for tool messages.
type transcriptMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content,omitempty"`
	ToolCalls  []transcriptToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type transcriptToolCall struct {
	ID       string             `json:"id"`
	Function transcriptFunction `json:"function"`
}

type transcriptFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Record writes a snapshot of the conversation and returns the path of the
// created file. The input is not modified.
func (r *Recorder) Record(ctx context.Context, conversation []chat.Message) (string, error) {
	out, err := normalize(conversation)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", errors.Mark(errors.WithMessage(err, "marshal transcript"), ErrEncoding)
	}

	if err := os.MkdirAll(r.dir, dirPerm); err != nil {
		return "", errors.Mark(errors.WithMessagef(err, "create directory %q", r.dir), ErrEncoding)
	}

	name := transcriptFileName(time.Now())
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return "", errors.Mark(errors.WithMessagef(err, "write transcript %q", path), ErrEncoding)
	}

	logger.ContextKV(ctx, xlog.DEBUG, "transcript", path, "messages", len(out))
	return path, nil
}

// Load reads a transcript file back into messages.
func Load(path string) ([]chat.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "read transcript %q", path)
	}
	var raw []transcriptMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Mark(errors.WithMessagef(err, "parse transcript %q", path), ErrEncoding)
	}

	list := make([]chat.Message, 0, len(raw))
	for _, m := range raw {
		msg := chat.Message{
			Role:       chat.Role(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
				ID: tc.ID,
				Function: chat.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		list = append(list, msg)
	}
	return list, nil
}

func normalize(conversation []chat.Message) ([]transcriptMessage, error) {
	out := make([]transcriptMessage, 0, len(conversation))
	for i, m := range conversation {
		switch m.Role {
		case chat.RoleSystem, chat.RoleUser, chat.RoleAssistant, chat.RoleTool:
		default:
			return nil, errors.Mark(errors.Newf("message %d: unknown role %q", i, m.Role), ErrEncoding)
		}

		tm := transcriptMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		if m.Role == chat.RoleAssistant {
			for _, tc := range m.ToolCalls {
				if tc.ID == "" || tc.Function.Name == "" {
					return nil, errors.Mark(errors.Newf("message %d: incomplete tool call", i), ErrEncoding)
				}
				tm.ToolCalls = append(tm.ToolCalls, transcriptToolCall{
					ID: tc.ID,
					Function: transcriptFunction{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
		} else if len(m.ToolCalls) > 0 {
			return nil, errors.Mark(errors.Newf("message %d: tool calls on %s message", i, m.Role), ErrEncoding)
		}

		if m.Role == chat.RoleTool {
			if m.ToolCallID == "" {
				return nil, errors.Mark(errors.Newf("message %d: tool message without tool_call_id", i), ErrEncoding)
			}
			tm.ToolCallID = m.ToolCallID
		} else if m.ToolCallID != "" {
			return nil, errors.Mark(errors.Newf("message %d: tool_call_id on %s message", i, m.Role), ErrEncoding)
		}

		out = append(out, tm)
	}
	return out, nil
}

func transcriptFileName(now time.Time) string {
	id := uuid.NewString()
	return "conversation_" + now.Format(tsLayout) + "_" + id[:shortUUID] + ".json"
}
