package config

import "fmt"

// ConfigError reports a missing, empty, or unreadable configuration element.
// It is fatal: the pipeline stops before any I/O.
type ConfigError struct {
	Element string // document element, e.g. "url_for_csv"
	Path    string // configuration file, when known
	Err     error
}

func (e *ConfigError) Error() string {
	where := ""
	if e.Path != "" {
		where = " in " + e.Path
	}
	if e.Err != nil {
		return fmt.Sprintf("config: <%s>%s: %v", e.Element, where, e.Err)
	}
	return fmt.Sprintf("config: <%s>%s is missing or empty", e.Element, where)
}

func (e *ConfigError) Unwrap() error { return e.Err }
