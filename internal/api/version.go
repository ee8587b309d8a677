package api

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// BuildInfo is what /version reports. It is public and unauthenticated, so it
// carries the hub identity but nothing about its peers.
type BuildInfo struct {
	Version      string   `json:"version"`
	GitCommit    string   `json:"git_commit"`
	BuildDate    string   `json:"build_date"`
	GoVersion    string   `json:"go_version"`
	CountryCode  string   `json:"country_code,omitempty"`
	PartyID      string   `json:"party_id,omitempty"`
	OCPIVersions []string `json:"ocpi_versions"`
}

func (b BuildInfo) withDefaults() BuildInfo {
	if b.Version == "" {
		b.Version = "dev"
	}
	if b.GitCommit == "" {
		b.GitCommit = "unknown"
	}
	if b.BuildDate == "" {
		b.BuildDate = "unknown"
	}
	if len(b.OCPIVersions) == 0 {
		b.OCPIVersions = ocpi.SupportedVersions
	}
	b.GoVersion = runtime.Version()
	return b
}

// VersionHandler serves info as JSON on GET.
func VersionHandler(info BuildInfo) http.Handler {
	info = info.withDefaults()
	body, _ := json.Marshal(info)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(append(body, '\n'))
	})
}
