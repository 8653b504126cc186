// Package web embeds the static chat client served at the root document.
package web

import "embed"

//go:embed index.html
var FS embed.FS
