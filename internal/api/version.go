package api

import (
	"net/http"
	"runtime"
	"runtime/debug"
)

const modulePath = "github.com/austindbirch/courier"

// BuildInfo describes the running API server.
type BuildInfo struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	GoVersion string `json:"go_version"`
	Store     string `json:"store,omitempty"`
}

func readBuildInfo() BuildInfo {
	info := BuildInfo{Module: modulePath, Version: "dev", GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		info.Version = v
	}
	for _, kv := range bi.Settings {
		if kv.Key == "vcs.revision" {
			info.Revision = kv.Value
		}
	}
	return info
}

// GET /v1/version
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) error {
	RespondWithJSON(w, http.StatusOK, s.build)
	return nil
}
