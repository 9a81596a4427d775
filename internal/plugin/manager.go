package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// DefaultExecutionTimeout is the default timeout for one convert call
const DefaultExecutionTimeout = time.Second

// converterDirectiveRegex matches @converter directive in comments
var converterDirectiveRegex = regexp.MustCompile(`(?m)^//\s*@converter\s+(\S+)`)

var _ Manager = (*PluginManager)(nil)

// PluginManager manages JavaScript converters
type PluginManager struct {
	plugins map[string]*Plugin // converter -> plugin
	logger  zerolog.Logger
	timeout time.Duration
	reader  PropertyReader
	mu      sync.RWMutex
}

// NewPluginManager creates a new PluginManager
func NewPluginManager(logger zerolog.Logger) *PluginManager {
	return &PluginManager{
		plugins: make(map[string]*Plugin),
		logger:  logger.With().Str("component", "plugin-manager").Logger(),
		timeout: DefaultExecutionTimeout,
	}
}

// SetTimeout sets the execution timeout for converters
func (m *PluginManager) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		m.timeout = timeout
	}
}

// SetPropertyReader exposes reader to scripts as props.get
func (m *PluginManager) SetPropertyReader(reader PropertyReader) {
	m.mu.Lock()
	m.reader = reader
	m.mu.Unlock()
}

// LoadFromDirectory loads all .js converters from a directory
func (m *PluginManager) LoadFromDirectory(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		m.logger.Warn().Str("directory", dir).Msg("plugins directory does not exist")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat plugins directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("plugins path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read plugins directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			m.logger.Error().Err(err).Str("file", entry.Name()).Msg("failed to read plugin")
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".js")
		if err := m.LoadScript(name, string(content)); err != nil {
			m.logger.Error().
				Err(err).
				Str("file", entry.Name()).
				Msg("failed to load plugin")
			continue
		}
		loadedCount++
	}

	m.logger.Info().
		Int("loaded", loadedCount).
		Str("directory", dir).
		Msg("plugins loaded")

	return nil
}

// LoadScript registers a converter from source. The script is compiled once
// to reject syntax errors early.
func (m *PluginManager) LoadScript(name, script string) error {
	converter := extractConverterDirective(script)
	if converter == "" {
		return fmt.Errorf("plugin missing @converter directive")
	}
	if _, err := goja.Compile(name, script, false); err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[converter]; exists {
		return fmt.Errorf("duplicate converter: %s", converter)
	}
	m.plugins[converter] = &Plugin{
		Name:      name,
		Converter: converter,
		Script:    script,
	}

	m.logger.Info().
		Str("name", name).
		Str("converter", converter).
		Msg("plugin loaded")
	return nil
}

// extractConverterDirective extracts the converter name from @converter directive
func extractConverterDirective(script string) string {
	matches := converterDirectiveRegex.FindStringSubmatch(script)
	if len(matches) >= 2 {
		return matches[1]
	}
	return ""
}

// HasConverter checks if a converter with the given name exists
func (m *PluginManager) HasConverter(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.plugins[name]
	return exists
}

// Convert runs the named converter on value in a fresh runtime. The script
// is interrupted when the timeout passes or ctx is done.
func (m *PluginManager) Convert(ctx context.Context, name string, value interface{}) (interface{}, error) {
	m.mu.RLock()
	plugin, exists := m.plugins[name]
	reader := m.reader
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrConverterNotFound, name)
	}

	runtime := NewRuntime(m.logger.With().Str("converter", name).Logger())
	if reader != nil {
		runtime.SetupPropertyReader(reader)
	}

	vm := runtime.VM()
	timer := time.AfterFunc(m.timeout, func() { vm.Interrupt(ErrTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	if _, err := runtime.RunScript(plugin.Script); err != nil {
		return nil, m.scriptError(name, err)
	}
	result, err := runtime.CallFunction("convert", value)
	if err != nil {
		return nil, m.scriptError(name, err)
	}
	return result.Export(), nil
}

func (m *PluginManager) scriptError(name string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			m.logger.Warn().Str("converter", name).Dur("timeout", m.timeout).Err(cause).Msg("converter interrupted")
			return cause
		}
	}
	var jsErr *goja.Exception
	if errors.As(err, &jsErr) {
		return &ScriptError{Converter: name, Message: jsErr.Value().String()}
	}
	return &ScriptError{Converter: name, Message: err.Error()}
}

// Converters returns all registered converter names
func (m *PluginManager) Converters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all resources
func (m *PluginManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins = make(map[string]*Plugin)
	m.logger.Info().Msg("plugin manager closed")
}
