package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/Togather-Foundation/roaming/internal/api/render"
	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/metrics"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const decisionKey contextKey = "party_decision"

var errPartyForbidden = errors.New("party not allowed")

// PartyAuth authenticates peer calls with the token in the Authorization
// header. An empty role accepts any role. Unknown or expired tokens get 401,
// known tokens refused by status or role get 403; both answer with a protocol
// envelope.
//
// On success the decision is stored on the request and the party is added to
// the request logger and the current span.
func PartyAuth(evaluator *auth.Evaluator, role parties.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.TokenFromRequest(r)
			if err != nil {
				metrics.InboundAuthTotal.WithLabelValues(auth.Unauthenticated.String(), "").Inc()
				render.Error(w, r, http.StatusUnauthorized, ocpi.StatusClientError, "missing or malformed Authorization header", err)
				return
			}

			decision := evaluator.Evaluate(auth.Credential{Token: token}, role)
			metrics.InboundAuthTotal.WithLabelValues(decision.Outcome.String(), string(decision.Reason)).Inc()
			switch decision.Outcome {
			case auth.Unauthenticated:
				render.Error(w, r, http.StatusUnauthorized, ocpi.StatusClientError, "unknown token", auth.ErrInvalidToken)
				return
			case auth.Forbidden:
				annotate(r.Context(), decision)
				render.Error(w, r, http.StatusForbidden, ocpi.StatusClientError, "party not allowed: "+string(decision.Reason), errPartyForbidden)
				return
			}

			annotate(r.Context(), decision)
			next.ServeHTTP(w, r.WithContext(ContextWithDecision(r.Context(), decision)))
		})
	}
}

func annotate(ctx context.Context, d auth.Decision) {
	party := d.Identity.Key()
	zerolog.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("party", party)
	})
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("ocpi.party", party))
}

// ContextWithDecision stores an authentication decision on ctx.
func ContextWithDecision(ctx context.Context, d auth.Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the decision PartyAuth stored.
func DecisionFromContext(ctx context.Context) (auth.Decision, bool) {
	d, ok := ctx.Value(decisionKey).(auth.Decision)
	return d, ok
}
