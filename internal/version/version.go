// Package version tracks build metadata for the application.
package version

import (
	"runtime/debug"
	"sync"
)

const devVersion = "dev"

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

var (
	info      = Info{Version: devVersion}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application. Fields left
// empty by the linker flags are filled from the embedded build info.
func Set(v Info) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		v = fillFromBuildInfo(v, bi)
	}

	infoMutex.Lock()
	defer infoMutex.Unlock()
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

func fillFromBuildInfo(v Info, bi *debug.BuildInfo) Info {
	if bi == nil {
		if v.Version == "" {
			v.Version = devVersion
		}
		return v
	}

	if v.GoVersion == "" {
		v.GoVersion = bi.GoVersion
	}
	if v.Version == "" || v.Version == devVersion {
		// "(devel)" is what go build reports for the main module.
		if mv := bi.Main.Version; mv != "" && mv != "(devel)" {
			v.Version = mv
		}
	}
	if v.Version == "" {
		v.Version = devVersion
	}

	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			if v.Commit == "" {
				v.Commit = setting.Value
			}
		case "vcs.time":
			if v.BuildTime == "" {
				v.BuildTime = setting.Value
			}
		case "vcs.modified":
			v.Modified = setting.Value == "true"
		}
	}
	return v
}
