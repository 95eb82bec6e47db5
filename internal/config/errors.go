package config

import "errors"

var (
	// ErrConfigVersionTooNew is returned when a config file declares a
	// schema version newer than this binary understands.
	ErrConfigVersionTooNew = errors.New("config version is newer than supported")
)
