package payload

import (
	"fmt"
	"os"
	"sync"

	"github.com/aarzilli/golua/lua"
)

// EncodeFunction is the global a payload script must define.
// It receives the command number and returns a string or an array of byte values.
const EncodeFunction = "encode"

// LuaEncoder runs a Lua script to build payloads for devices whose
// protocol needs more than the bare command number.
type LuaEncoder struct {
	name string

	mu    sync.Mutex
	state *lua.State
}

// NewLuaEncoderFile loads a payload script from disk
func NewLuaEncoderFile(path string) (*LuaEncoder, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload script %s: %w", path, err)
	}
	return NewLuaEncoder(string(content), path)
}

// NewLuaEncoder runs script once and checks that it defines encode(n)
func NewLuaEncoder(script, name string) (*LuaEncoder, error) {
	if script == "" {
		return nil, fmt.Errorf("payload script %s is empty", name)
	}

	L := lua.NewState()
	L.OpenLibs()

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load payload script %s: %w", name, err)
	}

	L.GetGlobal(EncodeFunction)
	isFunc := L.IsFunction(-1)
	L.Pop(1)
	if !isFunc {
		L.Close()
		return nil, fmt.Errorf("payload script %s does not define function %s(n)", name, EncodeFunction)
	}

	return &LuaEncoder{name: name, state: L}, nil
}

func (e *LuaEncoder) Name() string { return "lua:" + e.name }

// Encode calls encode(n). A string result is used as raw bytes, a number
// as a single byte and a table as an array of byte values.
func (e *LuaEncoder) Encode(n int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil {
		return nil, fmt.Errorf("payload encoder %s is closed", e.name)
	}

	L := e.state
	top := L.GetTop()
	defer L.SetTop(top)

	L.GetGlobal(EncodeFunction)
	L.PushInteger(int64(n))
	if err := L.Call(1, 1); err != nil {
		return nil, fmt.Errorf("%s(%d) failed: %w", EncodeFunction, n, err)
	}

	var data []byte
	switch L.Type(-1) {
	case lua.LUA_TSTRING:
		data = []byte(L.ToString(-1))
	case lua.LUA_TNUMBER:
		b, err := toByte(int(L.ToInteger(-1)))
		if err != nil {
			return nil, err
		}
		data = []byte{b}
	case lua.LUA_TTABLE:
		for i := 1; ; i++ {
			L.RawGeti(-1, i)
			if L.IsNil(-1) {
				L.Pop(1)
				break
			}
			if !L.IsNumber(-1) {
				L.Pop(1)
				return nil, fmt.Errorf("%s(%d): element %d is not a number", EncodeFunction, n, i)
			}
			b, err := toByte(int(L.ToInteger(-1)))
			L.Pop(1)
			if err != nil {
				return nil, fmt.Errorf("%s(%d): element %d: %w", EncodeFunction, n, i, err)
			}
			data = append(data, b)
		}
	default:
		return nil, fmt.Errorf("%s(%d) must return a string, number or table", EncodeFunction, n)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%s(%d) returned an empty payload", EncodeFunction, n)
	}
	return data, nil
}

// Close releases the Lua state
func (e *LuaEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}

func toByte(v int) (byte, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("value %d is out of byte range", v)
	}
	return byte(v), nil
}
