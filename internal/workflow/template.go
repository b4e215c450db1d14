package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Substitute replaces {{var}} and ${var} tokens with values from vars.
// Both syntaxes are supported for authoring convenience. Non-scalar values
// are stringified as JSON so the model sees structured data intact.
func Substitute(text string, vars map[string]interface{}) string {
	for name, value := range vars {
		valStr := stringify(value)
		text = strings.ReplaceAll(text, "{{"+name+"}}", valStr)
		text = strings.ReplaceAll(text, "${"+name+"}", valStr)
	}
	return text
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
