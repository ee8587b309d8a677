// Package problem writes RFC 7807 problem documents for the admin API.
// Protocol endpoints answer with OCPI envelopes instead; see package render.
package problem

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

const contentType = "application/problem+json"

const (
	typeBase          = "https://roaming.togather.foundation/problems/"
	TypeUnauthorized  = typeBase + "unauthorized"
	TypeForbidden     = typeBase + "forbidden"
	TypeNotFound      = typeBase + "not-found"
	TypeConflict      = typeBase + "conflict"
	TypeValidation    = typeBase + "validation-error"
	TypeBadRequest    = typeBase + "bad-request"
	TypeUpstream      = typeBase + "upstream-unavailable"
	TypeSuspended     = typeBase + "party-suspended"
	TypeBusy          = typeBase + "party-busy"
	TypeInternal      = typeBase + "internal-error"
	TypeTooLarge      = typeBase + "payload-too-large"
	TypeNotConfigured = typeBase + "not-configured"
	TypeRateLimited   = typeBase + "rate-limited"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")
)

// ProblemDetails is the response body. Party names the party the request
// was about, when there is one.
type ProblemDetails struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Party    string         `json:"party,omitempty"`
	Errors   map[string]any `json:"errors,omitempty"`
}

type Option func(*ProblemDetails)

func WithDetail(detail string) Option {
	return func(p *ProblemDetails) { p.Detail = detail }
}

func WithInstance(instance string) Option {
	return func(p *ProblemDetails) { p.Instance = instance }
}

func WithParty(key string) Option {
	return func(p *ProblemDetails) { p.Party = key }
}

func WithErrors(errs map[string]any) Option {
	return func(p *ProblemDetails) { p.Errors = errs }
}

// Write logs err on the request logger and answers with a problem document.
// err reaches the client as detail only in development and test; elsewhere
// the detail falls back to the status text.
func Write(w http.ResponseWriter, r *http.Request, status int, typ, title string, err error, env string, opts ...Option) {
	p := ProblemDetails{Type: typ, Title: title, Status: status}
	for _, opt := range opts {
		opt(&p)
	}
	if p.Detail == "" && err != nil {
		p.Detail = http.StatusText(status)
		if exposeErrors(env) {
			p.Detail = err.Error()
		}
	}
	if r != nil {
		if p.Instance == "" {
			p.Instance = r.URL.Path
		}
		if err != nil {
			logProblem(r, p, err)
		}
	}
	WriteProblem(w, p)
}

// WriteProblem encodes p as is.
func WriteProblem(w http.ResponseWriter, p ProblemDetails) {
	payload, err := json.Marshal(p)
	if err != nil {
		p = ProblemDetails{Type: "about:blank", Title: http.StatusText(http.StatusInternalServerError), Status: http.StatusInternalServerError}
		payload, _ = json.Marshal(p)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(p.Status)
	_, _ = w.Write(payload)
}

// Rule maps the errors Match accepts onto a response.
type Rule struct {
	Match  func(error) bool
	Status int
	Type   string
	Title  string
}

// Is builds a Match that accepts err or anything wrapping one of targets.
func Is(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// Mapper writes err with the first rule that matches it, or as a 500.
type Mapper struct {
	Rules []Rule
	Env   string
}

func (m Mapper) Write(w http.ResponseWriter, r *http.Request, err error, opts ...Option) {
	for _, rule := range m.Rules {
		if rule.Match(err) {
			Write(w, r, rule.Status, rule.Type, rule.Title, err, m.Env, opts...)
			return
		}
	}
	Write(w, r, http.StatusInternalServerError, TypeInternal, "Server error", err, m.Env, opts...)
}

func exposeErrors(env string) bool {
	return env == "development" || env == "test"
}

func logProblem(r *http.Request, p ProblemDetails, err error) {
	logger := zerolog.Ctx(r.Context())
	event := logger.Warn()
	if p.Status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	if p.Party != "" {
		event = event.Str("party", p.Party)
	}
	event.Err(err).
		Int("status", p.Status).
		Str("type", p.Type).
		Str("path", r.URL.Path).
		Str("method", r.Method).
		Msg(p.Title)
}
