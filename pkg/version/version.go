// Package version reports the build version of the tools.
package version

import (
	"fmt"
	"runtime"
)

// Version is the release version. Release builds set it with
// -ldflags "-X github.com/zehnder-rf/zehnder-go/pkg/version.Version=v1.2.3".
var Version = "dev"

// Commit is the source revision, set the same way as Version.
var Commit = ""

// String returns a one-line version banner for the named tool.
func String(tool string) string {
	v := Version
	if Commit != "" {
		v += " (" + shortCommit(Commit) + ")"
	}
	return fmt.Sprintf("%s %s %s/%s", tool, v, runtime.GOOS, runtime.GOARCH)
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}
