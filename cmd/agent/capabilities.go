package main

import (
	"os"
	"runtime"
)

// detectCapabilities reports the built-in capability strings this binary
// can always offer; connector-backed capabilities (connector:<guid>) are
// out of scope here since connector credential management is an external
// collaborator (§5 Non-goals).
func detectCapabilities() []string {
	return []string{"local_filesystem", "tool:exif_scan:1", "tool:duplicate_scan:1"}
}

func hostPlatform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func osInfo() string {
	return runtime.GOOS
}
