package venue

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"orderengine/internal/config"
)

const defaultVenueTimeout = 10 * time.Second

// Build creates venues in configuration order. accounts may be nil when no
// AMM venue is configured.
func Build(cfgs []config.VenueConfig, accounts AccountSource, log *zap.Logger) ([]Venue, error) {
	venues := make([]Venue, 0, len(cfgs))
	for _, c := range cfgs {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultVenueTimeout
		}
		client := &http.Client{Timeout: timeout}

		switch c.Kind {
		case config.VenueKindAggregator:
			venues = append(venues, NewAggregator(c.Name, c.BaseURL, client, log))
		case config.VenueKindAMM:
			if accounts == nil {
				return nil, fmt.Errorf("venue %s: no ledger to discover pools", c.Name)
			}
			venues = append(venues, NewAMM(c.Name, c.ProgramID, c.BaseURL, accounts, client, log))
		default:
			return nil, fmt.Errorf("venue %s: unknown kind %q", c.Name, c.Kind)
		}
	}
	return venues, nil
}
