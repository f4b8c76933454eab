package notifications

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap adapts a map[string]any to the database/sql/driver.Valuer and
// Scanner interfaces so it can be written to and read from a jsonb column
// without an intermediate marshal step at every call site.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(map[string]any(m))
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}

	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported scan source type %T for JSONMap", src)
	}

	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}
