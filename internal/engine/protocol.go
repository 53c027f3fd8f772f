package engine

import (
	"encoding/json"
	"fmt"
)

// OperatorMessageLine encodes an operator turn for the engine's stdin.
func OperatorMessageLine(text string) ([]byte, error) {
	frame := map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "text", "text": text},
			},
		},
	}
	line, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode operator message: %w", err)
	}
	return line, nil
}

// ApprovalResponseLine encodes a human decision on a held action for
// the engine's stdin. A denial carries a message the engine surfaces
// as the action's error result.
func ApprovalResponseLine(actionID string, approved bool, message string) ([]byte, error) {
	frame := map[string]interface{}{
		"type":        "approval_response",
		"tool_use_id": actionID,
	}
	if approved {
		frame["behavior"] = "allow"
	} else {
		frame["behavior"] = "deny"
		if message == "" {
			message = "Action refused by operator"
		}
		frame["message"] = message
	}
	line, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode approval response: %w", err)
	}
	return line, nil
}
