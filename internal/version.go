package internal

import (
	"fmt"
	"runtime"
)

// Version is the current version of worldchat
// This should be updated with each release
const Version = "0.4.0"

// GetPlatform returns the os/arch pair of the running binary.
func GetPlatform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// UserAgent identifies the terminal client to the server.
func UserAgent() string {
	return fmt.Sprintf("worldchat-client/%s (%s)", Version, GetPlatform())
}
