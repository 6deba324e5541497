package hooks

import (
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"syscraft/pkg/utils/logger"
)

// installHostFunctions wires the allow-listed surface into the VM's globals.
// print is redirected into the hook log rather than trapped, since scripts
// habitually use it.
func installHostFunctions(L *lua.LState, state *runState) {
	L.SetGlobal("run_command", L.NewFunction(state.luaRunCommand))
	L.SetGlobal("log", L.NewFunction(state.luaLog))
	L.SetGlobal("getenv", L.NewFunction(state.luaGetenv))
	L.SetGlobal("module_name", L.NewFunction(state.luaModuleName))
	L.SetGlobal("print", L.NewFunction(state.luaPrint))
}

// installCapabilityTraps replaces everything outside the allow-list with
// tripwires. Touching a trapped name records the violation on the Go side
// and raises a Lua error; the recorded flag survives even if the script
// catches the error with pcall.
func installCapabilityTraps(L *lua.LState, state *runState) {
	for _, name := range []string{"os", "io", "debug", "package", "coroutine", "channel"} {
		L.SetGlobal(name, trapTable(L, state, name))
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, trapFunc(L, state, name))
	}
}

// luaRunCommand is run_command(raw). It returns a result table and, on
// failure, an error message as the second value. Dry-run mode is inherited
// from the surrounding apply; a script cannot escalate a simulation into a
// live execution.
func (st *runState) luaRunCommand(L *lua.LState) int {
	raw := L.CheckString(1)
	st.bumpCommands()

	res, err := st.runner.Run(st.ctx, raw, st.req.DryRun)

	tbl := L.NewTable()
	L.SetField(tbl, "ok", lua.LBool(err == nil))
	L.SetField(tbl, "disposition", lua.LString(res.Disposition.String()))
	L.SetField(tbl, "dry_run", lua.LBool(res.Outcome.DryRun))
	L.SetField(tbl, "exit_code", lua.LNumber(res.Outcome.ExitCode))
	L.SetField(tbl, "stdout", lua.LString(res.Outcome.Stdout))
	L.SetField(tbl, "stderr", lua.LString(res.Outcome.Stderr))

	L.Push(tbl)
	if err != nil {
		L.Push(lua.LString(err.Error()))
		return 2
	}
	return 1
}

// luaLog is log(message).
func (st *runState) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	st.addLog(msg)
	logger.Info(st.ctx, msg,
		zap.String("source", "hook"),
		zap.String("module", st.req.Module),
		zap.String("phase", st.req.Phase),
	)
	return 0
}

// luaPrint mirrors Lua's print into the hook log.
func (st *runState) luaPrint(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	st.addLog(strings.Join(parts, "\t"))
	return 0
}

// luaGetenv is getenv(name). Names outside the pass-through list read as
// nil, indistinguishable from unset variables.
func (st *runState) luaGetenv(L *lua.LState) int {
	name := L.CheckString(1)
	if st.envAllowed(name) {
		if value, ok := os.LookupEnv(name); ok {
			L.Push(lua.LString(value))
			return 1
		}
	}
	L.Push(lua.LNil)
	return 1
}

// luaModuleName is module_name().
func (st *runState) luaModuleName(L *lua.LState) int {
	L.Push(lua.LString(st.req.Module))
	return 1
}

func trapFunc(L *lua.LState, state *runState, name string) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		state.setViolation(name)
		L.RaiseError("capability %q is not available to hooks", name)
		return 0
	})
}

func trapTable(L *lua.LState, state *runState, name string) *lua.LTable {
	trip := func(L *lua.LState) int {
		capability := name
		if key, ok := L.Get(2).(lua.LString); ok {
			capability = name + "." + string(key)
		}
		state.setViolation(capability)
		L.RaiseError("capability %q is not available to hooks", capability)
		return 0
	}

	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(trip))
	L.SetField(mt, "__newindex", L.NewFunction(trip))
	L.SetField(mt, "__call", L.NewFunction(trip))
	// Lock the metatable so scripts cannot strip the trap.
	L.SetField(mt, "__metatable", lua.LBool(false))

	tbl := L.NewTable()
	L.SetMetatable(tbl, mt)
	return tbl
}
