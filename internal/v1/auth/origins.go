package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/driftdoc/relay/internal/v1/logging"
)

// ErrOriginNotAllowed rejects a browser upgrade whose Origin fails the
// allowlist policy.
var ErrOriginNotAllowed = errors.New("auth: origin not allowed")

// ParseOrigins splits a comma-separated allowlist into entries, dropping
// empty ones. An empty input yields nil, which selects the same-host policy.
func ParseOrigins(s string) []string {
	var origins []string
	for _, entry := range strings.Split(s, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			origins = append(origins, entry)
		}
	}
	return origins
}

// OriginAllowed applies the browser origin policy to an upgrade request.
// Requests without an Origin header come from non-browser clients and always
// pass. When the allowlist is empty, only a browser on the same host as the
// request passes; otherwise the origin's scheme and host must match an
// allowlist entry.
func OriginAllowed(r *http.Request, allowed []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	if len(allowed) == 0 {
		if strings.EqualFold(originURL.Host, r.Host) {
			return nil
		}
		logging.Warn(context.Background(), "Cross-host origin rejected, no allowlist configured",
			zap.String("origin", origin), zap.String("host", r.Host))
		return fmt.Errorf("%w: %s", ErrOriginNotAllowed, origin)
	}

	for _, entry := range allowed {
		allowedURL, err := url.Parse(entry)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && strings.EqualFold(originURL.Host, allowedURL.Host) {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowed))
	return fmt.Errorf("%w: %s", ErrOriginNotAllowed, origin)
}
