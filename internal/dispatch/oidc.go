package dispatch

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
)

// mintIdentityToken builds a short-lived bearer assertion identifying
// this service to the worker, carried on every dispatched task.
// Grounded on the bearer-minting shape used for the admin-plane client
// elsewhere in the corpus (`jwt.MapClaims` + `jwt.NewWithClaims` +
// `SignedString`); in production the real task-queue SDK would mint
// the OIDC token against the configured service account directly, so
// this is the narrow slice of that responsibility this service owns
// itself in dev/test: a signed assertion the Completion Handler's own
// verifier (§4.7) can check round-trip.
func mintIdentityToken(cfg *config.OIDC, jobID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": cfg.ServiceAccountID,
		"aud": cfg.Audience,
		"sub": cfg.ServiceAccountID,
		"job_id": jobID,
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.DevSigningKey))
}
