package handlers

import (
	"net/http"
	"slices"
	"strings"

	"github.com/Togather-Foundation/roaming/internal/api/render"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// VersionsHandler serves version discovery: the versions list and the
// endpoint detail of each version.
type VersionsHandler struct {
	BaseURL  string
	Versions []string
}

func NewVersionsHandler(baseURL string, versions []string) *VersionsHandler {
	if len(versions) == 0 {
		versions = ocpi.SupportedVersions
	}
	return &VersionsHandler{BaseURL: strings.TrimRight(baseURL, "/"), Versions: versions}
}

// VersionsURL is the discovery URL handed to peers in our credentials.
func (h *VersionsHandler) VersionsURL() string {
	return h.BaseURL + "/ocpi/versions"
}

func (h *VersionsHandler) versionURL(version string) string {
	return h.BaseURL + "/ocpi/" + version
}

// List answers GET /ocpi/versions.
func (h *VersionsHandler) List(w http.ResponseWriter, r *http.Request) {
	out := make([]ocpi.Version, 0, len(h.Versions))
	for _, v := range h.Versions {
		out = append(out, ocpi.Version{Version: v, URL: h.versionURL(v)})
	}
	render.Data(w, r, out)
}

// Detail answers GET /ocpi/{version}.
func (h *VersionsHandler) Detail(w http.ResponseWriter, r *http.Request) {
	version := pathParam(r, "version")
	if !slices.Contains(h.Versions, version) {
		render.Error(w, r, http.StatusNotFound, ocpi.StatusUnsupportedVersion, "unsupported version "+version, nil)
		return
	}
	render.Data(w, r, ocpi.VersionDetail{Version: version, Endpoints: h.endpoints(version)})
}

type moduleRole struct {
	module ocpi.ModuleID
	role   ocpi.InterfaceRole
}

// served lists the module interfaces this hub implements.
var served = []moduleRole{
	{ocpi.ModuleCredentials, ocpi.InterfaceSender},
	{ocpi.ModuleCredentials, ocpi.InterfaceReceiver},
	{ocpi.ModuleLocations, ocpi.InterfaceReceiver},
	{ocpi.ModuleTariffs, ocpi.InterfaceReceiver},
	{ocpi.ModuleSessions, ocpi.InterfaceReceiver},
	{ocpi.ModuleCDRs, ocpi.InterfaceReceiver},
	{ocpi.ModuleTokens, ocpi.InterfaceSender},
}

// endpoints builds the detail list. 2.1.1 has no interface roles, so each
// module appears once.
func (h *VersionsHandler) endpoints(version string) []ocpi.Endpoint {
	base := h.versionURL(version)
	legacy := ocpi.CompareVersions(version, ocpi.Version22) < 0
	out := make([]ocpi.Endpoint, 0, len(served))
	for _, s := range served {
		ep := ocpi.Endpoint{Identifier: s.module, Role: s.role, URL: base + "/" + string(s.module)}
		if legacy {
			ep.Role = ""
			if slices.ContainsFunc(out, func(e ocpi.Endpoint) bool { return e.Identifier == s.module }) {
				continue
			}
		}
		out = append(out, ep)
	}
	return out
}
