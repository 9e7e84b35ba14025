package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event Event) ([]byte, error) {
	title := fmt.Sprintf("nova: %s", event.Action)
	if event.Type != "" {
		title += " (" + event.Type + ")"
	}
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Record:* %d", event.RecordID)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Policy:* %s", event.PolicyID)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
	}
	if event.AttackType != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Attack:* %s", event.AttackType)})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{"type": "plain_text", "text": title},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("nova %s on %s: %s", event.Action, event.PolicyID, event.Reason),
			"severity": severityFor(event),
			"source":   "nova",
			"custom_details": map[string]any{
				"record_id":   event.RecordID,
				"record_hash": event.RecordHash,
				"attack_type": event.AttackType,
				"reason":      event.Reason,
				"type":        event.Type,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(event Event) string {
	switch {
	case event.AttackType == "jailbreak" || event.AttackType == "harmful_content":
		return "critical"
	case event.Action == "BLOCK":
		return "error"
	case event.Action == "WARN":
		return "warning"
	default:
		return "info"
	}
}
