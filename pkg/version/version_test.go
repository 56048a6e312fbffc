package version

import (
	"runtime"
	"testing"
)

func TestString(t *testing.T) {
	defer func(v, c string) { Version, Commit = v, c }(Version, Commit)

	tests := []struct {
		version string
		commit  string
		want    string
	}{
		{"dev", "", "zehnder-fan dev " + runtime.GOOS + "/" + runtime.GOARCH},
		{"v1.2.0", "3f9a1c2d8e7b", "zehnder-fan v1.2.0 (3f9a1c2) " + runtime.GOOS + "/" + runtime.GOARCH},
		{"v1.2.0", "abc", "zehnder-fan v1.2.0 (abc) " + runtime.GOOS + "/" + runtime.GOARCH},
	}

	for _, tt := range tests {
		t.Run(tt.version+tt.commit, func(t *testing.T) {
			Version, Commit = tt.version, tt.commit
			if got := String("zehnder-fan"); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
