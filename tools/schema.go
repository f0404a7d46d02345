package tools

// JSON Schema fragment builders. Each helper returns a plain map so the
// result drops straight into a tool definition's input schema.

func property(typ, description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        typ,
		"description": description,
	}
}

// ObjectSchema assembles an object schema from its properties, marking
// any listed names as required.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProperty describes a free-form string field.
func StringProperty(description string) map[string]interface{} {
	return property("string", description)
}

// StringEnumProperty describes a string field restricted to the given
// values.
func StringEnumProperty(description string, values ...string) map[string]interface{} {
	p := property("string", description)
	p["enum"] = values
	return p
}

// NumberProperty describes a float field.
func NumberProperty(description string) map[string]interface{} {
	return property("number", description)
}

// IntegerProperty describes an integer field.
func IntegerProperty(description string) map[string]interface{} {
	return property("integer", description)
}

// BooleanProperty describes a boolean field.
func BooleanProperty(description string) map[string]interface{} {
	return property("boolean", description)
}

// ArrayProperty describes an array field whose items follow itemType.
func ArrayProperty(description string, itemType map[string]interface{}) map[string]interface{} {
	p := property("array", description)
	p["items"] = itemType
	return p
}
