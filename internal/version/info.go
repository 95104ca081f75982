// Package version reports how the running binary was built.
package version

import (
	"errors"
	"runtime/debug"
)

type Info struct {
	Version      string `json:"version"`
	Revision     string `json:"revision,omitempty"`
	RevisionTime string `json:"revision_time,omitempty"`
	Dirty        bool   `json:"dirty,omitempty"`
	GoVersion    string `json:"go_version"`
	Arch         string `json:"arch"`
}

// GetInfo assembles version information from the build metadata stamped into
// the binary. Revision details are absent when the binary was built outside
// a checkout.
func GetInfo() (*Info, error) {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("binary carries no build info")
	}

	info := &Info{
		Version:   buildInfo.Main.Version,
		GoVersion: buildInfo.GoVersion,
	}
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.time":
			info.RevisionTime = setting.Value
		case "vcs.modified":
			info.Dirty = setting.Value == "true"
		case "GOARCH":
			info.Arch = setting.Value
		}
	}
	return info, nil
}
