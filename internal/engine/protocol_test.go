package engine

import (
	"encoding/json"
	"testing"
)

func TestOperatorMessageLine(t *testing.T) {
	t.Parallel()

	line, err := OperatorMessageLine("my VPN keeps dropping")
	if err != nil {
		t.Fatalf("OperatorMessageLine failed: %v", err)
	}

	var frame struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if frame.Type != "user" || frame.Message.Role != "user" {
		t.Fatalf("unexpected envelope: %+v", frame)
	}
	if len(frame.Message.Content) != 1 || frame.Message.Content[0].Text != "my VPN keeps dropping" {
		t.Fatalf("unexpected content: %+v", frame.Message.Content)
	}
}

func TestApprovalResponseLine(t *testing.T) {
	t.Parallel()

	line, err := ApprovalResponseLine("act-1", true, "")
	if err != nil {
		t.Fatalf("ApprovalResponseLine failed: %v", err)
	}
	var allow map[string]interface{}
	if err := json.Unmarshal(line, &allow); err != nil {
		t.Fatalf("allow frame is not valid JSON: %v", err)
	}
	if allow["behavior"] != "allow" || allow["tool_use_id"] != "act-1" {
		t.Fatalf("unexpected allow frame: %v", allow)
	}
	if _, present := allow["message"]; present {
		t.Fatalf("allow frame must not carry a message: %v", allow)
	}

	line, err = ApprovalResponseLine("act-2", false, "")
	if err != nil {
		t.Fatalf("ApprovalResponseLine deny failed: %v", err)
	}
	var deny map[string]interface{}
	if err := json.Unmarshal(line, &deny); err != nil {
		t.Fatalf("deny frame is not valid JSON: %v", err)
	}
	if deny["behavior"] != "deny" {
		t.Fatalf("unexpected deny frame: %v", deny)
	}
	if deny["message"] == "" {
		t.Fatal("deny frame must carry a default message")
	}
}
