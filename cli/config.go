// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/eplua/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	EngineConfig  = config.EngineConfig
	ServerConfig  = config.ServerConfig
	StorageConfig = config.StorageConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	LoadConfig    = config.Load
)
