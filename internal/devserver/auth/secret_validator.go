package auth

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// DevSecret is the signing secret `plansync serve` falls back to in
// development mode.
const DevSecret = "local-dev-jwt-secret-not-for-production"

// Known weak/default secrets that should never be used in production
var knownWeakSecrets = []string{
	DevSecret,
	"changeme",
	"secret",
	"password",
	"test",
	"dev",
	"development",
}

// ValidateSecret validates the JWT secret meets security requirements.
// Weak secrets are accepted with a warning in development mode.
func ValidateSecret(secret string, isDev bool, logger *zap.Logger) error {
	if secret == "" {
		return errors.New("PLANSYNC_JWT_SECRET is required")
	}

	for _, weak := range knownWeakSecrets {
		if secret == weak {
			if isDev {
				if logger != nil {
					logger.Warn("using a default JWT secret, not for production use",
						zap.String("secret_prefix", secret[:min(8, len(secret))]))
				}
				return nil
			}
			return fmt.Errorf("default/weak JWT secret not allowed in production environment")
		}
	}

	if len(secret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters (got %d)", len(secret))
	}

	return nil
}

// IsDevelopmentMode reports whether PLANSYNC_ENV (or GO_ENV) selects
// development. Production is the default.
func IsDevelopmentMode() bool {
	for _, key := range []string{"PLANSYNC_ENV", "GO_ENV"} {
		switch os.Getenv(key) {
		case "development", "dev":
			return true
		}
	}
	return false
}
