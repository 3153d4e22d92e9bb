// Package web holds the browser presentation page served under /ui/.
package web

import "embed"

//go:embed index.html
var FS embed.FS
