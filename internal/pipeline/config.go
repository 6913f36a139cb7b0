package pipeline

import (
	"errors"
	"fmt"
)

const (
	DefaultWidth          = 1024
	DefaultHeight         = 1024
	DefaultMaxBytes       = 500 * 1024
	DefaultInitialQuality = 85
	DefaultMinQuality     = 10
	DefaultQualityStep    = 5
)

// Config controls the target resolution and the JPEG quality search.
type Config struct {
	Width          int
	Height         int
	MaxBytes       int
	InitialQuality int
	MinQuality     int
	QualityStep    int
}

func DefaultConfig() Config {
	return Config{
		Width:          DefaultWidth,
		Height:         DefaultHeight,
		MaxBytes:       DefaultMaxBytes,
		InitialQuality: DefaultInitialQuality,
		MinQuality:     DefaultMinQuality,
		QualityStep:    DefaultQualityStep,
	}
}

func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("target dimensions must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.MaxBytes <= 0 {
		return errors.New("max bytes must be positive")
	}
	if c.InitialQuality < 1 || c.InitialQuality > 100 {
		return fmt.Errorf("initial quality must be in [1,100], got %d", c.InitialQuality)
	}
	if c.MinQuality < 1 || c.MinQuality > c.InitialQuality {
		return fmt.Errorf("min quality must be in [1,%d], got %d", c.InitialQuality, c.MinQuality)
	}
	if c.QualityStep <= 0 {
		return errors.New("quality step must be positive")
	}
	return nil
}

// MaxAttempts is the upper bound on encodes performed by the quality search.
func (c Config) MaxAttempts() int {
	span := c.InitialQuality - c.MinQuality
	attempts := span/c.QualityStep + 1
	if span%c.QualityStep != 0 {
		attempts++
	}
	return attempts
}
