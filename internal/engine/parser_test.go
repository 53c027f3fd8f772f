package engine

import (
	"errors"
	"testing"
)

func parseAll(t *testing.T, p *Parser, lines []string) []Event {
	t.Helper()
	var events []Event
	for _, line := range lines {
		ev, err := p.Parse([]byte(line))
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", line, err)
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

func TestParserSimpleTurn(t *testing.T) {
	t.Parallel()

	p := NewParser(5)
	events := parseAll(t, p, []string{
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Try restarting "}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"the router."}}`,
		`{"type":"content_block_stop"}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	})

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %#v", len(events), events)
	}
	if d, ok := events[0].(TextDeltaEvent); !ok || d.Text != "Try restarting " {
		t.Fatalf("unexpected first event: %#v", events[0])
	}
	if m, ok := events[2].(TurnMarkerEvent); !ok || m.StopReason != "end_turn" {
		t.Fatalf("unexpected marker event: %#v", events[2])
	}
	if _, ok := events[3].(TurnCompleteEvent); !ok {
		t.Fatalf("expected turn completion, got %#v", events[3])
	}
}

// A completion frame after an action_in_progress stop reason is a
// pause, not the end of the turn. Treating it as final used to cut
// replies off before the action result arrived.
func TestParserCompletionAfterActionPauseIsNotFinal(t *testing.T) {
	t.Parallel()

	p := NewParser(5)

	ev, err := p.Parse([]byte(`{"type":"message_delta","delta":{"stop_reason":"action_in_progress"}}`))
	if err != nil {
		t.Fatalf("Parse marker failed: %v", err)
	}
	if m, ok := ev.(TurnMarkerEvent); !ok || m.StopReason != StopReasonActionInProgress {
		t.Fatalf("unexpected marker: %#v", ev)
	}

	ev, err = p.Parse([]byte(`{"type":"message_stop"}`))
	if err != nil {
		t.Fatalf("Parse message_stop failed: %v", err)
	}
	if ev != nil {
		t.Fatalf("completion during action pause must be swallowed, got %#v", ev)
	}

	// The engine resumes: result, more text, then a real completion.
	events := parseAll(t, p, []string{
		`{"type":"tool_result","tool_use_id":"act-1","content":"exit 0","is_error":false}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Done."}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	})

	if len(events) != 4 {
		t.Fatalf("expected 4 events after resume, got %d: %#v", len(events), events)
	}
	if r, ok := events[0].(ActionResultEvent); !ok || r.ActionID != "act-1" {
		t.Fatalf("unexpected result event: %#v", events[0])
	}
	if _, ok := events[3].(TurnCompleteEvent); !ok {
		t.Fatalf("expected final completion, got %#v", events[3])
	}
}

func TestParserResultFrameCompletesUnconditionally(t *testing.T) {
	t.Parallel()

	p := NewParser(5)
	if _, err := p.Parse([]byte(`{"type":"message_delta","delta":{"stop_reason":"action_in_progress"}}`)); err != nil {
		t.Fatalf("Parse marker failed: %v", err)
	}

	ev, err := p.Parse([]byte(`{"type":"result","is_error":true,"error":"engine crashed"}`))
	if err != nil {
		t.Fatalf("Parse result failed: %v", err)
	}
	done, ok := ev.(TurnCompleteEvent)
	if !ok {
		t.Fatalf("expected completion, got %#v", ev)
	}
	if !done.IsError || done.ErrText != "engine crashed" {
		t.Fatalf("unexpected completion payload: %#v", done)
	}
}

func TestParserActionRequest(t *testing.T) {
	t.Parallel()

	p := NewParser(5)
	ev, err := p.Parse([]byte(`{"type":"content_block_start","content_block":{"type":"tool_use","id":"act-9","name":"run_remote_command","input":{"cmd":"systemctl restart nginx"},"justification":"restart the web server"}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	req, ok := ev.(ActionRequestedEvent)
	if !ok {
		t.Fatalf("expected action request, got %#v", ev)
	}
	if req.ID != "act-9" || req.Name != "run_remote_command" {
		t.Fatalf("unexpected request: %#v", req)
	}
	if req.Justification != "restart the web server" {
		t.Fatalf("unexpected justification: %q", req.Justification)
	}

	// Non-tool blocks carry nothing actionable.
	ev, err = p.Parse([]byte(`{"type":"content_block_start","content_block":{"type":"text"}}`))
	if err != nil {
		t.Fatalf("Parse text block failed: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil for text block start, got %#v", ev)
	}
}

func TestParserMalformedRunThreshold(t *testing.T) {
	t.Parallel()

	p := NewParser(3)
	for i := 0; i < 2; i++ {
		if _, err := p.Parse([]byte("not json")); err != nil {
			t.Fatalf("frame %d should be skipped, got %v", i, err)
		}
	}
	if _, err := p.Parse([]byte(`{"no_type":true}`)); !errors.Is(err, ErrStreamCorrupt) {
		t.Fatalf("expected ErrStreamCorrupt at the limit, got %v", err)
	}
}

func TestParserValidFrameResetsMalformedRun(t *testing.T) {
	t.Parallel()

	p := NewParser(3)
	for i := 0; i < 2; i++ {
		if _, err := p.Parse([]byte("garbage")); err != nil {
			t.Fatalf("frame %d should be skipped, got %v", i, err)
		}
	}
	if _, err := p.Parse([]byte(`{"type":"content_block_stop"}`)); err != nil {
		t.Fatalf("valid frame failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := p.Parse([]byte("garbage")); err != nil {
			t.Fatalf("run should have reset, frame %d got %v", i, err)
		}
	}
}

func TestParserIgnoresBlankAndUnknownFrames(t *testing.T) {
	t.Parallel()

	p := NewParser(5)
	events := parseAll(t, p, []string{
		"",
		"   ",
		`{"type":"ping"}`,
		`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"cm"}}`,
	})
	if len(events) != 0 {
		t.Fatalf("expected no events, got %#v", events)
	}
}
