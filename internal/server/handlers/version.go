package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
)

// APIVersion is the prefix of the job and resource routes.
const APIVersion = "v1"

// BuildInfo is injected from main through SetVersionInfo.
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

var (
	build = BuildInfo{
		Name:      "gridlens",
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}
	processStarted = time.Now()
)

func SetVersionInfo(version, commit, buildDate string) {
	build.Version = version
	build.Commit = commit
	build.BuildDate = buildDate
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	App           BuildInfo         `json:"app"`
	API           string            `json:"api"`
	Dependencies  map[string]string `json:"dependencies"`
	Platform      string            `json:"platform"`
	GoVersion     string            `json:"go_version"`
	NumGoroutines int               `json:"num_goroutines"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	ssot := crucible.GetVersion()
	writeJSON(w, http.StatusOK, VersionResponse{
		App: build,
		API: APIVersion,
		Dependencies: map[string]string{
			"gofulmen": ssot.Gofulmen,
			"crucible": ssot.Crucible,
		},
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(processStarted).Seconds()),
	})
}
