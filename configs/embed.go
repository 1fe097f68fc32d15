package configs

import _ "embed"

// DefaultConfig is the shipped default termcore YAML configuration.
//
//go:embed default.yaml
var DefaultConfig []byte
