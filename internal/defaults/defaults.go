// Package defaults provides an embedded copy of the example node
// configuration for the multisensed init subcommand.
package defaults

import _ "embed"

//go:embed multisense.example.yaml
var ConfigYAML []byte
