// Package logging provides the console/JSON zerolog setup shared by every binary.
package logging

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// New returns a logger tagged with the given component name. Output is a
// human-readable console writer; set NOTIFY_LOG_JSON=1 to switch to raw JSON
// lines for production log shipping.
func New(component string, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var logger zerolog.Logger
	if os.Getenv("NOTIFY_LOG_JSON") == "1" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		})
	}

	return logger.Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewPgxLogger returns a logger tuned for pgx's tracelog adapter: long SQL
// strings are truncated and []byte query args are pretty-printed when they
// happen to be JSON.
func NewPgxLogger() zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
		FormatFieldValue: func(i any) string {
			switch v := i.(type) {
			case string:
				if len(v) > 200 {
					return v[:200] + "..."
				}
				return v
			case []byte:
				var obj interface{}
				if err := json.Unmarshal(v, &obj); err == nil {
					pretty, _ := json.MarshalIndent(obj, "", "    ")
					return "\n" + string(pretty)
				}
				return string(v)
			default:
				return fmt.Sprintf("%v", v)
			}
		},
	}

	return zerolog.New(writer).
		Level(zerolog.WarnLevel).
		With().
		Timestamp().
		Str("component", "database").
		Logger()
}
