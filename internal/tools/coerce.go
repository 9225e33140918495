package tools

import (
	"strconv"
	"strings"
)

// coerceArguments fixes up scalar types the model got wrong. Some
// providers emit string-typed scalars in strict-JSON mode, so string
// values are converted when the schema declares boolean, integer, or
// number for that property. Coercion is top-level only; unknown or
// failed conversions pass the original value through and the tool
// decides.
func coerceArguments(schema map[string]any, args map[string]any) map[string]any {
	if len(args) == 0 || schema == nil {
		return args
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return args
	}

	for key, value := range args {
		prop, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		wantType, _ := prop["type"].(string)
		switch wantType {
		case "boolean":
			if s, ok := value.(string); ok {
				if b, ok := parseBool(s); ok {
					args[key] = b
				}
			}
		case "integer":
			switch v := value.(type) {
			case string:
				if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
					args[key] = n
				}
			case float64:
				if v == float64(int64(v)) {
					args[key] = int64(v)
				}
			}
		case "number":
			if s, ok := value.(string); ok {
				if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					args[key] = f
				}
			}
		}
	}
	return args
}

// parseBool accepts the spellings models actually produce.
func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}
