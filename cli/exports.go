// This file re-exports internal packages for embedding projects.
package cli

import (
	"github.com/zot/eplua/internal/engine"
	"github.com/zot/eplua/internal/server"
	"github.com/zot/eplua/internal/storage"
)

// Re-export engine types
type (
	Engine     = engine.Engine
	Exports    = engine.Exports
	ExecResult = engine.ExecResult
	Stats      = engine.Stats
	Server     = server.Server
	Storage    = storage.Backend
)

// Re-export constructors and conversions
var (
	NewEngine   = engine.New
	NewServer   = server.New
	OpenStorage = storage.Open
	WithOutput  = engine.WithOutput
	WithStorage = engine.WithStorage
	WithExports = engine.WithExports
	LuaToGo     = engine.LuaToGo
	GoToLua     = engine.GoToLua
)
