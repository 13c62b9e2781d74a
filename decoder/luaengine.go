package decoder

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sipcapture/sipscope/protos"
	lua "github.com/yuin/gopher-lua"
)

// ScriptEngine runs an optional user-supplied Lua filter over parsed
// messages. The script defines filter(msg) returning false to drop the
// message before correlation.
type ScriptEngine struct {
	state *lua.LState
}

// NewScriptEngine loads the script file. An empty path means no engine.
func NewScriptEngine(file string) (*ScriptEngine, error) {
	if file == "" {
		return nil, nil
	}
	L := lua.NewState()
	if err := L.DoFile(file); err != nil {
		L.Close()
		return nil, fmt.Errorf("script %s: %w", file, err)
	}
	if _, ok := L.GetGlobal("filter").(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("script %s: no filter function defined", file)
	}
	return &ScriptEngine{state: L}, nil
}

// Filter reports whether the message should be kept. Script errors keep the
// message; a broken filter must not discard capture data.
func (e *ScriptEngine) Filter(m *protos.Message) bool {
	if e == nil {
		return true
	}
	L := e.state

	tbl := L.NewTable()
	L.SetField(tbl, "kind", lua.LString(m.Kind))
	L.SetField(tbl, "method", lua.LString(m.Method))
	L.SetField(tbl, "status_code", lua.LNumber(m.StatusCode))
	L.SetField(tbl, "call_id", lua.LString(m.CallID))
	L.SetField(tbl, "from_user", lua.LString(m.FromUser))
	L.SetField(tbl, "to_user", lua.LString(m.ToUser))
	L.SetField(tbl, "from_uri", lua.LString(m.FromURI))
	L.SetField(tbl, "to_uri", lua.LString(m.ToURI))
	L.SetField(tbl, "src_ip", lua.LString(m.Src.IP))
	L.SetField(tbl, "dst_ip", lua.LString(m.Dst.IP))
	L.SetField(tbl, "src_port", lua.LNumber(m.Src.Port))
	L.SetField(tbl, "dst_port", lua.LNumber(m.Dst.Port))
	L.SetField(tbl, "transport", lua.LString(m.Transport))

	err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal("filter"),
		NRet:    1,
		Protect: true,
	}, tbl)
	if err != nil {
		log.Warn().Err(err).Msg("lua filter error, keeping message")
		return true
	}
	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret)
}

func (e *ScriptEngine) Close() {
	if e != nil {
		e.state.Close()
	}
}
