package kernel

import "fmt"

// ConfigError reports an invalid strategy configuration. It names the field
// so the API can surface actionable messages.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}
