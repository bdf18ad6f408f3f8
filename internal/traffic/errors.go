package traffic

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is wrapped by every validation failure of a traffic spec.
	ErrConfiguration = errors.New("invalid traffic spec")

	// ErrPastDeadline is returned when a schedule is queried beyond its end.
	ErrPastDeadline = errors.New("elapsed time past end of schedule")
)

// ConfigError describes which field of a spec failed validation.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
