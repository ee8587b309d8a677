package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getBuildInfo(t *testing.T, h http.Handler) BuildInfo {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var info BuildInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	return info
}

func TestVersionHandler_ReportsBuildAndParty(t *testing.T) {
	info := getBuildInfo(t, VersionHandler(BuildInfo{
		Version:     "0.3.0",
		GitCommit:   "9f1c2e7",
		BuildDate:   "2026-09-30T08:00:00Z",
		CountryCode: "NL",
		PartyID:     "HUB",
	}))

	assert.Equal(t, "0.3.0", info.Version)
	assert.Equal(t, "9f1c2e7", info.GitCommit)
	assert.Equal(t, "2026-09-30T08:00:00Z", info.BuildDate)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, "NL", info.CountryCode)
	assert.Equal(t, "HUB", info.PartyID)
	assert.Equal(t, ocpi.SupportedVersions, info.OCPIVersions)
}

func TestVersionHandler_Defaults(t *testing.T) {
	info := getBuildInfo(t, VersionHandler(BuildInfo{GitCommit: "abc"}))

	assert.Equal(t, "dev", info.Version)
	assert.Equal(t, "abc", info.GitCommit)
	assert.Equal(t, "unknown", info.BuildDate)
	assert.Empty(t, info.PartyID)
	assert.NotEmpty(t, info.OCPIVersions)
}

func TestVersionHandler_OnlyGet(t *testing.T) {
	h := VersionHandler(BuildInfo{})
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/version", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"), method)
	}
}
