package pipeline

import "fmt"

// ConfigError reports malformed or semantically invalid pipeline
// configuration. Line and Col are 1-based and set when the error has a
// source position (JSON syntax and type errors); semantic errors carry the
// offending key in Msg instead.
type ConfigError struct {
	Path string
	Line int
	Col  int
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Col, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

func configErrorf(path string, format string, args ...any) *ConfigError {
	return &ConfigError{Path: path, Msg: fmt.Sprintf(format, args...)}
}
