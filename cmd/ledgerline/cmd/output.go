package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// emit renders v in the selected output format. The table renderer falls
// back to json when a command has no tabular form.
func emit(v any, table func()) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(v)
	default:
		if table == nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		table()
		return nil
	}
}

// tableRow prints one aligned key/value table row.
func tableRow(key string, value any) {
	fmt.Printf("%-20s %v\n", key, value)
}
