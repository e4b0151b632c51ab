// Package hardening refuses unsafe production configurations at startup.
// Failing the boot beats serving payroll traffic over plaintext transports.
package hardening

import (
	"errors"
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

type check func(Options) error

// ValidateProduction runs the strict checks in production-like
// environments. STRICT_PROD_SECURITY=false is the escape hatch and
// defaults to on.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) || !truthy(o.StrictProdSecurity, true) {
		return nil
	}
	for _, c := range []check{databaseTLS, redisTLS, corsOrigins, serviceSecrets} {
		if err := c(o); err != nil {
			return fmt.Errorf("%s: %w", serviceName(o), err)
		}
	}
	return nil
}

func serviceName(o Options) string {
	if s := strings.TrimSpace(o.Service); s != "" {
		return s
	}
	return "service"
}

func databaseTLS(o Options) error {
	if !truthy(o.DatabaseRequireTLS, false) {
		return errors.New("production deployments must set DATABASE_REQUIRE_TLS=true")
	}
	return nil
}

func redisTLS(o Options) error {
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !truthy(o.RedisRequireTLS, false) {
		return errors.New("production deployments must set REDIS_REQUIRE_TLS=true")
	}
	if truthy(o.RedisTLSInsecure, false) || truthy(o.RedisAllowInsecureTLS, false) {
		return errors.New("insecure redis TLS flags are not allowed in production")
	}
	return nil
}

func corsOrigins(o Options) error {
	seen := 0
	for _, part := range strings.Split(o.CORSAllowedOrigins, ",") {
		origin := strings.ToLower(strings.TrimSpace(part))
		if origin == "" {
			continue
		}
		seen++
		switch {
		case origin == "*":
			return errors.New("CORS wildcard origin is not allowed in production")
		case loopbackOrigin(origin):
			return fmt.Errorf("loopback CORS origin %q is not allowed in production", origin)
		case !strings.HasPrefix(origin, "https://"):
			return fmt.Errorf("CORS origin %q must use https", origin)
		}
	}
	if seen == 0 {
		return errors.New("production deployments must set explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func serviceSecrets(o Options) error {
	for _, req := range o.RequiredServiceSecrets {
		name := strings.TrimSpace(req.Name)
		if name == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("production deployments must set %s", name)
		}
	}
	return nil
}

func loopbackOrigin(origin string) bool {
	for _, host := range []string{"localhost", "127.0.0.1"} {
		if strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host) {
			return true
		}
	}
	return false
}

func truthy(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "stage", "staging":
		return true
	}
	return false
}
