package delivery

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogChannel writes deliveries to the log instead of an external system.
// It is the default when no broker is configured.
type LogChannel struct {
	Logger *zerolog.Logger
}

// UpdateExternalFields logs the field update.
func (c LogChannel) UpdateExternalFields(ctx context.Context, userID string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lg := log.Logger
	if c.Logger != nil {
		lg = *c.Logger
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := zerolog.Dict()
	for _, k := range keys {
		d = d.Str(k, fields[k])
	}
	lg.Info().
		Str("component", "delivery").
		Str("user_id", userID).
		Dict("fields", d).
		Msg("external fields updated")
	return nil
}
