package exectools

import "encoding/json"

func objectSchema(properties map[string]any, required []string) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func objectProp(description string) map[string]any {
	return map[string]any{"type": "object", "description": description}
}

func targetProp() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Target selector, e.g. {\"entity_id\": \"light.kitchen\"}.",
		"properties": map[string]any{
			"entity_id": stringProp("Entity id to target."),
		},
		"required": []string{"entity_id"},
	}
}

func errorJSON(summary string, err error) string {
	raw, _ := json.Marshal(map[string]string{"error": summary, "detail": err.Error()})
	return string(raw)
}
