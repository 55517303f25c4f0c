package builtin

import (
	"context"

	"github.com/galaddirie/flowline/pkg/step"
)

// Triggers pass their payload straight through: the payload arrives from
// the transport (manual run request, webhook delivery, schedule tick) as
// the step input.

func passthroughHandler() step.Handler {
	return step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
		return step.Result{Output: req.Input}, nil
	})
}

func manualTrigger() step.Definition {
	return step.Definition{
		TypeID:      "manual_trigger",
		Name:        "Manual Trigger",
		Category:    "triggers",
		Description: "Starts the workflow from the editor or API with a caller-supplied payload.",
		Icon:        "play",
		Kind:        step.KindTrigger,
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sample_input": map[string]any{
					"description": "Payload used when running from the editor without explicit input.",
				},
			},
		},
		Handler: passthroughHandler(),
	}
}

func webhookTrigger() step.Definition {
	return step.Definition{
		TypeID:      "webhook_trigger",
		Name:        "Webhook Trigger",
		Category:    "triggers",
		Description: "Starts the workflow when an HTTP request arrives on the hook path.",
		Icon:        "webhook",
		Kind:        step.KindTrigger,
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Hook path segment. Defaults to the step id.",
				},
				"secret": map[string]any{
					"type":        "string",
					"description": "Shared secret for HMAC signature verification.",
				},
				"methods": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
		},
		Handler: passthroughHandler(),
	}
}

func scheduleTrigger() step.Definition {
	return step.Definition{
		TypeID:      "schedule_trigger",
		Name:        "Schedule Trigger",
		Category:    "triggers",
		Description: "Starts the workflow on a cron schedule.",
		Icon:        "clock",
		Kind:        step.KindTrigger,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"cron"},
			"properties": map[string]any{
				"cron":     map[string]any{"type": "string"},
				"timezone": map[string]any{"type": "string"},
			},
		},
		Handler: passthroughHandler(),
	}
}
