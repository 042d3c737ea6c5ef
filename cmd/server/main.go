// Package main implements the glyph-api server, which accepts image
// translation tasks, runs them on an auto-scaled worker pool, and serves
// results through long polling and a websocket stream.
package main

import (
	"os"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
