package output

import (
	"encoding/json"
	"fmt"
	"io"
)

func WriteJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("could not encode JSON output: %w", err)
	}
	return nil
}
