package plugin

import (
	"context"
	"errors"
)

// Plugin represents a loaded JavaScript converter
type Plugin struct {
	Name      string // plugin name (filename without extension)
	Converter string // converter name from the @converter directive
	Script    string // JavaScript source code
}

// Manager defines the plugin manager interface
type Manager interface {
	// HasConverter checks if a converter with the given name exists
	HasConverter(name string) bool
	// Convert runs the named converter on value
	Convert(ctx context.Context, name string, value interface{}) (interface{}, error)
	// Converters returns all registered converter names
	Converters() []string
	// Close releases all resources
	Close()
}

// PropertyReader gives scripts read access to other properties
type PropertyReader interface {
	Get(key string) (interface{}, bool)
}

var (
	// ErrConverterNotFound is returned for unknown converter names
	ErrConverterNotFound = errors.New("converter not found")
	// ErrTimeout is returned when a script runs past the execution timeout
	ErrTimeout = errors.New("converter execution timed out")
)

// ScriptError is a failure raised by converter code
type ScriptError struct {
	Converter string
	Message   string
}

// Error implements the error interface
func (e *ScriptError) Error() string {
	return "converter " + e.Converter + ": " + e.Message
}
