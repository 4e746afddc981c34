package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lua "github.com/yuin/gopher-lua"
)

var errLuaStateClosed = errors.New("lua state is closed")

// luaState wraps a sandboxed gopher-lua interpreter. LState is not
// goroutine-safe; the mutex serializes all access from Go.
//
// Call timeouts are enforced through the interpreter context, so
// runaway scripts are interrupted at the next instruction boundary.
type luaState struct {
	L  *lua.LState
	mu sync.Mutex

	callTimeout time.Duration
	closed      bool
}

func newLuaState(callTimeout time.Duration) *luaState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	// Only the safe standard libraries. io, os, debug, and package stay
	// closed; host functionality arrives through the skydeck table.
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	s := &luaState{L: L, callTimeout: callTimeout}
	s.install()
	return s
}

// install strips the escape hatches the base library ships with.
func (s *luaState) install() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("module %q is not available", L.CheckString(1))
		return 0
	}))
}

// injectHostAPI exposes the skydeck table to the script. Everything
// beyond logging is gated on the permissions the manifest declared and
// the user consented to.
func (s *luaState) injectHostAPI(pluginID string, permissions []string, logger hclog.Logger) {
	perms := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		perms[p] = true
	}

	mod := s.L.NewTable()

	s.L.SetField(mod, "log", s.L.NewFunction(func(L *lua.LState) int {
		logger.Info(L.CheckString(1))
		return 0
	}))

	s.L.SetField(mod, "hostname", s.L.NewFunction(func(L *lua.LState) int {
		name, err := os.Hostname()
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(name))
		return 1
	}))

	if perms["system:env"] {
		s.L.SetField(mod, "getenv", s.L.NewFunction(func(L *lua.LState) int {
			value := os.Getenv(L.CheckString(1))
			if value == "" {
				L.Push(lua.LNil)
			} else {
				L.Push(lua.LString(value))
			}
			return 1
		}))
	}

	if perms["filesystem:read"] {
		s.L.SetField(mod, "read_file", s.L.NewFunction(func(L *lua.LState) int {
			data, err := os.ReadFile(L.CheckString(1))
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LString(data))
			return 1
		}))
	}

	s.L.SetGlobal("skydeck", mod)
}

// guard runs fn with panic recovery and the configured call timeout.
// Callers must hold the mutex.
func (s *luaState) guard(fn func() error) (err error) {
	if s.callTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
		defer cancel()
		s.L.SetContext(ctx)
		defer s.L.RemoveContext()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

func (s *luaState) doFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errLuaStateClosed
	}
	return s.guard(func() error {
		return s.L.DoFile(path)
	})
}

// globalTable returns the named global, which must be a table.
func (s *luaState) globalTable(name string) (*lua.LTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errLuaStateClosed
	}
	value := s.L.GetGlobal(name)
	tbl, ok := value.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("script did not define a %q table", name)
	}
	return tbl, nil
}

func (s *luaState) fieldString(tbl *lua.LTable, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ""
	}
	return luaToString(s.L.GetField(tbl, name))
}

func (s *luaState) fieldInt(tbl *lua.LTable, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	return luaToInt(s.L.GetField(tbl, name))
}

// callField invokes tbl[name]() and returns its first result. A nil
// field yields LNil without error; a non-function field is an error.
// The field may also hold a plain value, which is returned as-is.
func (s *luaState) callField(tbl *lua.LTable, name string) (lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errLuaStateClosed
	}

	field := s.L.GetField(tbl, name)
	fn, ok := field.(*lua.LFunction)
	if !ok {
		return field, nil
	}

	var ret lua.LValue = lua.LNil
	err := s.guard(func() error {
		s.L.Push(fn)
		if err := s.L.PCall(0, 1, nil); err != nil {
			return err
		}
		ret = s.L.Get(-1)
		s.L.Pop(1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *luaState) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *luaState) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}

func luaToString(v lua.LValue) string {
	if s, ok := v.(lua.LString); ok {
		return string(s)
	}
	return ""
}

func luaToInt(v lua.LValue) int {
	if n, ok := v.(lua.LNumber); ok {
		return int(n)
	}
	return 0
}
