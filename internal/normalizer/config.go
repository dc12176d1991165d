package normalizer

import (
	"fmt"
	"strings"
	"time"
)

// DefaultDateLayouts are tried in order when no layouts are configured
var DefaultDateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"2006/01/02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"02-Jan-2006",
}

// Config holds normalization settings
type Config struct {
	// DateLayouts are Go time layouts tried in order
	DateLayouts []string `mapstructure:"date_layouts" json:"date_layouts"`

	// MinorUnitExponent is the number of decimal places in one currency unit (2 for cents)
	MinorUnitExponent int32 `mapstructure:"minor_unit_exponent" json:"minor_unit_exponent"`

	// SkipInvalidRows drops rows that fail validation instead of failing the whole batch
	SkipInvalidRows bool `mapstructure:"skip_invalid_rows" json:"skip_invalid_rows"`

	// MaxRowErrors fails the batch once this many rows are invalid, even when skipping (0 = no limit)
	MaxRowErrors int `mapstructure:"max_row_errors" json:"max_row_errors"`
}

// DefaultConfig returns the strict default configuration
func DefaultConfig() *Config {
	layouts := make([]string, len(DefaultDateLayouts))
	copy(layouts, DefaultDateLayouts)
	return &Config{
		DateLayouts:       layouts,
		MinorUnitExponent: 2,
		SkipInvalidRows:   false,
		MaxRowErrors:      0,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if len(c.DateLayouts) == 0 {
		return fmt.Errorf("at least one date layout is required")
	}
	for i, layout := range c.DateLayouts {
		if strings.TrimSpace(layout) == "" {
			return fmt.Errorf("date layout %d is empty", i)
		}
	}
	if c.MinorUnitExponent < 0 || c.MinorUnitExponent > 8 {
		return fmt.Errorf("minor unit exponent must be between 0 and 8, got %d", c.MinorUnitExponent)
	}
	if c.MaxRowErrors < 0 {
		return fmt.Errorf("max row errors cannot be negative")
	}
	return nil
}
