package region

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNoEndpoint = errors.New("region: no endpoint configured")

// Router maps selected regions onto edge endpoints.
type Router struct {
	Endpoints map[Code]string
	// Default is used when no region has an endpoint.
	Default string
}

// Resolve selects a region and returns its endpoint. When the selected
// region has no endpoint the nearest configured region is used instead,
// still honoring the continent hint when one of its regions is configured.
func (r Router) Resolve(continent string, p Point) (Code, string, error) {
	code := Select(continent, p)
	if ep := strings.TrimSpace(r.Endpoints[code]); ep != "" {
		return code, ep, nil
	}
	var configured []Anchor
	for _, a := range anchors {
		if strings.TrimSpace(r.Endpoints[a.Code]) != "" {
			configured = append(configured, a)
		}
	}
	if len(configured) > 0 {
		fallback := selectFrom(configured, continent, p)
		return fallback, strings.TrimSpace(r.Endpoints[fallback]), nil
	}
	if r.Default != "" {
		return code, r.Default, nil
	}
	return code, "", fmt.Errorf("%w: region %s", ErrNoEndpoint, code)
}

// Single returns a Router that sends every region to endpoint.
func Single(endpoint string) Router {
	return Router{Default: endpoint}
}
