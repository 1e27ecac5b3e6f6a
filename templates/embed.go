// Package templates embeds the starter files written by orchard init.
package templates

import "embed"

//go:embed orchard.json workspace.yaml gitignore
var FS embed.FS
