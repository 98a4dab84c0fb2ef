// Package buildinfo reports which Scout build is running.
//
// Release builds stamp the variables below with -ldflags. Plain
// "go build" or "go install" leaves them unset, in which case the VCS
// details the Go toolchain embeds are used instead.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// Info is the resolved build description.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	Modified  bool   `json:"modified,omitempty"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var resolve = sync.OnceValue(func() Info {
	info := Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return fill(info)
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildTime == "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return fill(info)
})

func fill(info Info) Info {
	if info.Commit == "" {
		info.Commit = "unknown"
	} else if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	if info.BuildTime == "" {
		info.BuildTime = "unknown"
	}
	return info
}

// Get returns the build description.
func Get() Info { return resolve() }

// String is the one-line form printed by "scout version".
func (i Info) String() string {
	dirty := ""
	if i.Modified {
		dirty = "+dirty"
	}
	return fmt.Sprintf("Scout %s (%s%s) built %s", i.Version, i.Commit, dirty, i.BuildTime)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "scout/" + Get().Version
}
