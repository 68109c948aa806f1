package completion

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
)

// verifyBearer checks the webhook's Authorization header against the
// identity token `dispatch.mintIdentityToken` stamped onto the job at
// dispatch time (§4.6): same signing method, audience, and issuer, so
// the two sides of the dispatch/completion round trip share one
// verification path. Production deployments would instead resolve a
// JWKS from cfg.OIDC.IssuerURL and verify the cloud provider's real
// OIDC id token; no JWKS client exists anywhere in the corpus, so the
// shared-secret HS256 scheme is carried through for both dev and
// non-dev mode and the divergence is recorded in DESIGN.md.
func verifyBearer(r *http.Request, cfg *config.OIDC) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return model.NewError(model.KindAuth, "authorization header required")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return model.NewError(model.KindAuth, "invalid authorization header format")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(cfg.DevSigningKey), nil
	})
	if err != nil {
		return model.NewError(model.KindAuth, "invalid or expired identity token").WithErr(err)
	}

	if aud, _ := claims["aud"].(string); aud != cfg.Audience {
		return model.NewError(model.KindAuth, "identity token audience mismatch")
	}
	if iss, _ := claims["iss"].(string); iss != cfg.ServiceAccountID {
		return model.NewError(model.KindAuth, "identity token issuer mismatch")
	}
	return nil
}
