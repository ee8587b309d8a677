package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetails {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var body ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWrite_DetailByEnvironment(t *testing.T) {
	cases := map[string]string{
		"development": "registry offline",
		"test":        "registry offline",
		"production":  http.StatusText(http.StatusBadGateway),
		"staging":     http.StatusText(http.StatusBadGateway),
	}
	for env, want := range cases {
		t.Run(env, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/parties/NL-CPO-CPO/register", nil)
			rec := httptest.NewRecorder()
			Write(rec, req, http.StatusBadGateway, TypeUpstream, "Peer unreachable", errors.New("registry offline"), env)

			body := decode(t, rec)
			assert.Equal(t, http.StatusBadGateway, rec.Code)
			assert.Equal(t, want, body.Detail)
			assert.Equal(t, "/api/v1/admin/parties/NL-CPO-CPO/register", body.Instance)
		})
	}
}

func TestWrite_Options(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/parties", nil)
	rec := httptest.NewRecorder()

	Write(rec, req, http.StatusUnprocessableEntity, TypeValidation, "Invalid party", nil, "production",
		WithDetail("country_code is required"),
		WithParty("NL-CPO-CPO"),
		WithInstance("/custom"),
		WithErrors(map[string]any{"country_code": "required"}))

	body := decode(t, rec)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, TypeValidation, body.Type)
	assert.Equal(t, "country_code is required", body.Detail)
	assert.Equal(t, "NL-CPO-CPO", body.Party)
	assert.Equal(t, "/custom", body.Instance)
	assert.Equal(t, "required", body.Errors["country_code"])
}

func TestWriteProblem_NoRequest(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteProblem(rec, ProblemDetails{Type: TypeNotConfigured, Title: "Admin disabled", Status: http.StatusServiceUnavailable})

	body := decode(t, rec)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, body.Instance)
}

func TestMapper(t *testing.T) {
	errMissing := errors.New("missing")
	errBusy := errors.New("busy")
	m := Mapper{
		Env: "test",
		Rules: []Rule{
			{Match: Is(errMissing), Status: http.StatusNotFound, Type: TypeNotFound, Title: "Not found"},
			{Match: Is(errBusy, ErrConflict), Status: http.StatusServiceUnavailable, Type: TypeBusy, Title: "Busy"},
		},
	}

	cases := []struct {
		err    error
		status int
		typ    string
	}{
		{fmt.Errorf("party NL-X: %w", errMissing), http.StatusNotFound, TypeNotFound},
		{ErrConflict, http.StatusServiceUnavailable, TypeBusy},
		{errors.New("disk full"), http.StatusInternalServerError, TypeInternal},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		m.Write(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/parties", nil), tc.err)

		body := decode(t, rec)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, tc.typ, body.Type, tc.err.Error())
		assert.Equal(t, tc.err.Error(), body.Detail)
	}
}
