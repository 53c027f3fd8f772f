package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// StopReasonActionInProgress is the stop reason the engine reports when
// it paused mid-turn to wait for an action result. A completion frame
// following this reason does NOT end the turn; the engine resumes once
// the result is written to its stdin.
const StopReasonActionInProgress = "action_in_progress"

// ErrStreamCorrupt is returned once the parser has seen too many
// consecutive malformed frames to trust the stream any further.
var ErrStreamCorrupt = errors.New("engine stream corrupt")

// Frame type discriminators on the wire.
const (
	frameContentBlockStart = "content_block_start"
	frameContentBlockDelta = "content_block_delta"
	frameContentBlockStop  = "content_block_stop"
	frameMessageDelta      = "message_delta"
	frameMessageStop       = "message_stop"
	frameActionResult      = "tool_result"
	frameResult            = "result"
)

// Parser decodes one turn's worth of NDJSON frames into Events. It is
// stateful: the last seen stop reason decides whether a completion
// frame is final, and a run counter tracks consecutive malformed
// frames. Use a fresh Parser per turn.
type Parser struct {
	malformedLimit int
	malformedRun   int
	lastStopReason string
}

// NewParser returns a Parser that tolerates up to malformedLimit-1
// consecutive malformed frames before declaring the stream corrupt.
func NewParser(malformedLimit int) *Parser {
	if malformedLimit <= 0 {
		malformedLimit = 5
	}
	return &Parser{malformedLimit: malformedLimit}
}

// LastStopReason returns the most recent stop reason seen this turn.
func (p *Parser) LastStopReason() string {
	return p.lastStopReason
}

// Parse decodes a single line. It returns a nil Event for frames that
// carry nothing the caller acts on (block boundaries, unknown frame
// kinds, skipped malformed lines). It returns ErrStreamCorrupt once
// the malformed-frame run reaches the configured limit.
func (p *Parser) Parse(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil || base.Type == "" {
		p.malformedRun++
		if p.malformedRun >= p.malformedLimit {
			return nil, fmt.Errorf("%w: %d consecutive malformed frames", ErrStreamCorrupt, p.malformedRun)
		}
		slog.Warn("skipping malformed engine frame",
			"run", p.malformedRun,
			"limit", p.malformedLimit)
		return nil, nil
	}
	p.malformedRun = 0

	switch base.Type {
	case frameContentBlockDelta:
		return p.parseDelta(line)

	case frameContentBlockStart:
		return p.parseBlockStart(line)

	case frameContentBlockStop:
		return nil, nil

	case frameMessageDelta:
		var frame struct {
			Delta struct {
				StopReason *string `json:"stop_reason"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("decode message_delta: %w", err)
		}
		if frame.Delta.StopReason == nil {
			return nil, nil
		}
		p.lastStopReason = *frame.Delta.StopReason
		return TurnMarkerEvent{StopReason: p.lastStopReason}, nil

	case frameMessageStop:
		// The engine emits a completion frame before every pause,
		// including the pause while it waits for an action result.
		// Treating that one as the end of the turn truncates the reply.
		if p.lastStopReason == StopReasonActionInProgress {
			return nil, nil
		}
		return TurnCompleteEvent{}, nil

	case frameActionResult:
		var frame struct {
			ActionID string `json:"tool_use_id"`
			Content  string `json:"content"`
			IsError  bool   `json:"is_error"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("decode tool_result: %w", err)
		}
		return ActionResultEvent{
			ActionID: frame.ActionID,
			Content:  frame.Content,
			IsError:  frame.IsError,
		}, nil

	case frameResult:
		var frame struct {
			IsError bool   `json:"is_error"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return TurnCompleteEvent{IsError: frame.IsError, ErrText: frame.Error}, nil

	default:
		slog.Warn("skipping unknown engine frame type", "type", base.Type)
		return nil, nil
	}
}

func (p *Parser) parseDelta(line []byte) (Event, error) {
	var frame struct {
		Delta json.RawMessage `json:"delta"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("decode content_block_delta: %w", err)
	}

	var delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(frame.Delta, &delta); err != nil {
		return nil, fmt.Errorf("decode delta payload: %w", err)
	}

	switch delta.Type {
	case "text_delta":
		return TextDeltaEvent{Text: delta.Text}, nil
	default:
		// input_json_delta and friends carry partial action params;
		// the full params arrive with the block start frame.
		return nil, nil
	}
}

func (p *Parser) parseBlockStart(line []byte) (Event, error) {
	var frame struct {
		ContentBlock struct {
			Type          string          `json:"type"`
			ID            string          `json:"id"`
			Name          string          `json:"name"`
			Input         json.RawMessage `json:"input"`
			Justification string          `json:"justification"`
		} `json:"content_block"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("decode content_block_start: %w", err)
	}

	if frame.ContentBlock.Type != "tool_use" {
		return nil, nil
	}
	return ActionRequestedEvent{
		ID:            frame.ContentBlock.ID,
		Name:          frame.ContentBlock.Name,
		Params:        frame.ContentBlock.Input,
		Justification: frame.ContentBlock.Justification,
	}, nil
}
