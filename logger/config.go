package logger

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Config contains logging configuration.
type Config struct {
	Level       string `yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error fatal"`
	Format      string `yaml:"format" mapstructure:"format" validate:"oneof=json console pretty"`
	Output      string `yaml:"output" mapstructure:"output" validate:"omitempty,oneof=stdout stderr"`
	NoColor     bool   `yaml:"no_color" mapstructure:"no_color"`
	Timestamp   bool   `yaml:"timestamp" mapstructure:"timestamp"`
	Caller      bool   `yaml:"caller" mapstructure:"caller"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// ApplyDefaults fills empty fields: info level, console format, stdout.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
	c.Timestamp = true
}

// ForCommand adjusts c for a command-line tool whose stdout carries data:
// logs go to stderr at warn, or debug when verbose.
func (c *Config) ForCommand(verbose bool) {
	c.Output = "stderr"
	c.Level = "warn"
	if verbose {
		c.Level = "debug"
	}
}

// Validate validates logging configuration.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("logging.%s must be one of [%s] (got: %v)", fe.Field(), fe.Param(), fe.Value())
	}
	return err
}
