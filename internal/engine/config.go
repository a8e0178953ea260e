package engine

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/huyquangict/nof1.ai/internal/cfg"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

const riskConfigKey = "risk"

// SyncRiskConfig reconciles the active risk rule set with the store:
// a previously persisted rule set wins over file and env values if it
// still validates, and the effective rule set is written back so
// operators can inspect what the engine is actually running with.
func (c *Controller) SyncRiskConfig() error {
	var stored cfg.RiskConfig
	err := c.store.ConfigValue(riskConfigKey, &stored)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// First run against this database.
	case err != nil:
		return fmt.Errorf("read stored risk config: %w", err)
	default:
		if verr := stored.Validate(); verr != nil {
			log.Warn().Err(verr).Msg("stored risk config invalid, keeping configured values")
		} else {
			*c.rc = stored
			log.Info().Msg("risk config loaded from store")
		}
	}

	if err := c.store.SetConfigValue(riskConfigKey, c.rc); err != nil {
		return fmt.Errorf("persist risk config: %w", err)
	}
	return nil
}
