// Package query runs analyst scripts against the domain tables inside a
// restricted Lua interpreter. Scripts see the four tables as arrays of row
// tables plus a fixed set of aggregation verbs, and must leave their answer in
// the global "result".
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"abi-agent/internal/data"

	lua "github.com/yuin/gopher-lua"
)

// ResultVar is the global a script must assign.
const ResultVar = "result"

var (
	// ErrNoResult is returned when a script finishes without assigning ResultVar.
	ErrNoResult = errors.New("no result variable defined")
	// ErrTimeout is returned when a script exceeds its wall-clock budget.
	ErrTimeout = errors.New("query timed out")
	// ErrScriptTooLarge rejects scripts above the configured size.
	ErrScriptTooLarge = errors.New("query script too large")
	// ErrTooManyRows rejects tables above the configured row cap.
	ErrTooManyRows = errors.New("table exceeds query row limit")
	// ErrMemoryLimit is returned when a script allocates past MaxAllocBytes.
	ErrMemoryLimit = errors.New("query exceeded memory limit")
)

// Config bounds the resources a single script may use.
type Config struct {
	Timeout         time.Duration
	MaxScriptBytes  int
	MaxRows         int
	CallStackSize   int
	RegistrySize    int
	RegistryMaxSize int
	// MaxAllocBytes bounds the bytes allocated while a script runs.
	MaxAllocBytes uint64
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxScriptBytes <= 0 {
		c.MaxScriptBytes = 8 * 1024
	}
	if c.MaxAllocBytes == 0 {
		c.MaxAllocBytes = 256 << 20
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 50000
	}
	if c.CallStackSize <= 0 {
		c.CallStackSize = 120
	}
	if c.RegistrySize <= 0 {
		c.RegistrySize = 1024 * 20
	}
	if c.RegistryMaxSize <= 0 {
		c.RegistryMaxSize = 1024 * 256
	}
	return c
}

// Engine evaluates scripts. It is safe for concurrent use; every Run gets a
// fresh interpreter state.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New returns an Engine with cfg's limits, defaulting unset fields.
func New(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "query"),
	}
}

// Run executes script against tables and returns the pretty-printed result.
func (e *Engine) Run(ctx context.Context, tables *data.TableSet, script string) (string, error) {
	if len(script) > e.cfg.MaxScriptBytes {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", ErrScriptTooLarge, len(script), e.cfg.MaxScriptBytes)
	}
	if err := e.checkRows(tables); err != nil {
		return "", err
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       e.cfg.CallStackSize,
		RegistrySize:        e.cfg.RegistrySize,
		RegistryMaxSize:     e.cfg.RegistryMaxSize,
		IncludeGoStackTrace: false,
	})
	defer L.Close()

	if err := openSandbox(L); err != nil {
		return "", fmt.Errorf("prepare sandbox: %w", err)
	}
	registerVerbs(L)
	bindTables(L, tables)

	limitCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	runCtx, cancel := context.WithTimeout(limitCtx, e.cfg.Timeout)
	defer cancel()
	L.SetContext(runCtx)

	start := time.Now()
	stopWatch := watchAllocations(e.cfg.MaxAllocBytes, abort)
	err := L.DoString(script)
	stopWatch()
	if err != nil {
		if cause := context.Cause(limitCtx); errors.Is(cause, ErrMemoryLimit) {
			e.logger.Warn("query script aborted", "error", cause)
			return "", cause
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, e.cfg.Timeout)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("script error: %w", err)
	}
	e.logger.Debug("query script finished", "duration", time.Since(start))

	value := L.GetGlobal(ResultVar)
	if value == lua.LNil {
		return "", ErrNoResult
	}
	return Format(value), nil
}

func (e *Engine) checkRows(tables *data.TableSet) error {
	if tables == nil {
		return nil
	}
	counts := map[string]int{
		"customers": len(tables.Customers),
		"orders":    len(tables.Orders),
		"products":  len(tables.Products),
		"revenue":   len(tables.Revenue),
	}
	for name, n := range counts {
		if n > e.cfg.MaxRows {
			return fmt.Errorf("%w: %s has %d rows (limit %d)", ErrTooManyRows, name, n, e.cfg.MaxRows)
		}
	}
	return nil
}

// blockedGlobals are removed after the base library loads: anything that
// reaches the filesystem, loads code, or alters metatables and environments.
var blockedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"print", "collectgarbage", "setfenv", "getfenv", "rawset",
	"setmetatable", "newproxy", "_printregs",
}

func openSandbox(L *lua.LState) error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("open %q: %w", lib.name, err)
		}
	}
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	if str, ok := L.GetGlobal("string").(*lua.LTable); ok {
		str.RawSetString("rep", lua.LNil)
	}
	return nil
}
