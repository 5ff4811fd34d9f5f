package providers

// CleanSchemaForProvider adapts a tool's JSON Schema parameters to a
// provider's quirks. Anthropic rejects "additionalProperties" combined with
// certain union shapes and ignores "$schema"; both are stripped defensively
// since tool schemas are assembled generically in internal/tools and not
// hand-tuned per provider.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	cleaned := cleanSchemaValue(schema).(map[string]interface{})
	if _, ok := cleaned["type"]; !ok {
		cleaned["type"] = "object"
	}
	if _, ok := cleaned["properties"]; !ok {
		cleaned["properties"] = map[string]interface{}{}
	}
	return cleaned
}

// CleanToolSchemas converts a batch of tool definitions to an OpenAI-shaped
// tools array, applying CleanSchemaForProvider to each one.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}

func cleanSchemaValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, nested := range val {
			if k == "$schema" || k == "additionalProperties" {
				continue
			}
			out[k] = cleanSchemaValue(nested)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, nested := range val {
			out[i] = cleanSchemaValue(nested)
		}
		return out
	default:
		return v
	}
}
