package plugin

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"golang.org/x/crypto/sha3"
)

// Runtime wraps goja VM with converter bindings
type Runtime struct {
	vm     *goja.Runtime
	logger zerolog.Logger
}

// NewRuntime creates a new Runtime with all necessary bindings
func NewRuntime(logger zerolog.Logger) *Runtime {
	vm := goja.New()
	r := &Runtime{
		vm:     vm,
		logger: logger,
	}
	r.setupBindings()
	return r
}

// VM returns the underlying goja runtime
func (r *Runtime) VM() *goja.Runtime {
	return r.vm
}

// setupBindings sets up all JavaScript bindings
func (r *Runtime) setupBindings() {
	r.setupConsole()
	r.setupUtils()
}

// setupConsole maps console.* to the plugin logger levels
func (r *Runtime) setupConsole() {
	console := r.vm.NewObject()

	levels := map[string]zerolog.Level{
		"log":   zerolog.InfoLevel,
		"error": zerolog.ErrorLevel,
		"warn":  zerolog.WarnLevel,
		"debug": zerolog.DebugLevel,
	}
	for name, level := range levels {
		console.Set(name, func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			r.logger.WithLevel(level).Msgf("[plugin] %v", args)
			return goja.Undefined()
		})
	}

	r.vm.Set("console", console)
}

// toBytes accepts a 0x-prefixed hex string, a plain string or a byte array
func (r *Runtime) toBytes(fn string, v goja.Value) []byte {
	switch x := v.Export().(type) {
	case string:
		if strings.HasPrefix(x, "0x") {
			data, err := hex.DecodeString(strings.TrimPrefix(x, "0x"))
			if err != nil {
				panic(r.vm.ToValue(fmt.Sprintf("%s: invalid hex string: %v", fn, err)))
			}
			return data
		}
		return []byte(x)
	case []byte:
		return x
	case []interface{}:
		data := make([]byte, len(x))
		for i, b := range x {
			switch num := b.(type) {
			case int64:
				data[i] = byte(num)
			case float64:
				data[i] = byte(num)
			}
		}
		return data
	default:
		panic(r.vm.ToValue(fn + " requires string or byte array"))
	}
}

// setupUtils creates encoding and hashing helpers
func (r *Runtime) setupUtils() {
	utils := r.vm.NewObject()

	utils.Set("hexToBytes", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("hexToBytes requires 1 argument"))
		}
		data, err := hex.DecodeString(strings.TrimPrefix(call.Arguments[0].String(), "0x"))
		if err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("invalid hex string: %v", err)))
		}
		return r.vm.ToValue(data)
	})

	utils.Set("bytesToHex", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("bytesToHex requires 1 argument"))
		}
		if _, ok := call.Arguments[0].Export().(string); ok {
			panic(r.vm.ToValue("bytesToHex requires byte array"))
		}
		return r.vm.ToValue("0x" + hex.EncodeToString(r.toBytes("bytesToHex", call.Arguments[0])))
	})

	utils.Set("sha3_256", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("sha3_256 requires 1 argument"))
		}
		sum := sha3.Sum256(r.toBytes("sha3_256", call.Arguments[0]))
		return r.vm.ToValue("0x" + hex.EncodeToString(sum[:]))
	})

	utils.Set("keccak256", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("keccak256 requires 1 argument"))
		}
		hash := sha3.NewLegacyKeccak256()
		hash.Write(r.toBytes("keccak256", call.Arguments[0]))
		return r.vm.ToValue("0x" + hex.EncodeToString(hash.Sum(nil)))
	})

	utils.Set("parseJSON", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("parseJSON requires string"))
		}
		var result interface{}
		if err := json.Unmarshal([]byte(call.Arguments[0].String()), &result); err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("invalid JSON: %v", err)))
		}
		return r.vm.ToValue(result)
	})

	utils.Set("stringifyJSON", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("stringifyJSON requires value"))
		}
		data, err := json.Marshal(call.Arguments[0].Export())
		if err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("JSON stringify error: %v", err)))
		}
		return r.vm.ToValue(string(data))
	})

	r.vm.Set("utils", utils)
}

// SetupPropertyReader creates the props object; props.get returns
// undefined for missing keys.
func (r *Runtime) SetupPropertyReader(reader PropertyReader) {
	props := r.vm.NewObject()
	props.Set("get", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("props.get requires key"))
		}
		v, ok := reader.Get(call.Arguments[0].String())
		if !ok {
			return goja.Undefined()
		}
		if raw, isRaw := v.(json.RawMessage); isRaw {
			var parsed interface{}
			if err := json.Unmarshal(raw, &parsed); err == nil {
				return r.vm.ToValue(parsed)
			}
		}
		return r.vm.ToValue(v)
	})
	r.vm.Set("props", props)
}

// RunScript executes JavaScript code and returns the result
func (r *Runtime) RunScript(script string) (goja.Value, error) {
	return r.vm.RunString(script)
}

// CallFunction calls a JavaScript function by name
func (r *Runtime) CallFunction(name string, args ...interface{}) (goja.Value, error) {
	fn, ok := goja.AssertFunction(r.vm.Get(name))
	if !ok {
		return nil, fmt.Errorf("function %s not found", name)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		jsArgs[i] = r.vm.ToValue(arg)
	}

	return fn(goja.Undefined(), jsArgs...)
}
