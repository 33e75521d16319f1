// Package config loads the optional goarchive YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"github.com/islishude/goarchive/archive"
)

// Config holds defaults that command line flags override.
type Config struct {
	Format    string   `yaml:"format" validate:"omitempty,archive_format"`
	Filters   []string `yaml:"filters" validate:"omitempty,dive,archive_filter"`
	Program   string   `yaml:"program"`
	Level     *int     `yaml:"level" validate:"omitempty,min=0,max=22"`
	BlockSize int      `yaml:"block_size" validate:"omitempty,min=512,max=1048576"`
	Exclude   []string `yaml:"exclude" validate:"omitempty,dive,required"`
	LogLevel  string   `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Extract   Extract  `yaml:"extract"`
}

type Extract struct {
	StripComponents int   `yaml:"strip_components" validate:"min=0"`
	SamePermissions *bool `yaml:"same_permissions"`
	SameOwner       bool  `yaml:"same_owner"`
	Xattrs          bool  `yaml:"xattrs"`
}

var defaultValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("archive_format", func(fl validator.FieldLevel) bool {
		_, ok := archive.ParseFormat(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("archive_filter", func(fl validator.FieldLevel) bool {
		_, ok := archive.ParseFilter(fl.Field().String())
		return ok
	})
	return v
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := defaultValidator.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("failed to validate config: %w", FormatValidationError(err))
	}
	return cfg, nil
}

// Load reads the file at path. An empty path yields the zero Config.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// FormatValidationError flattens validator errors into one readable error.
func FormatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation error(s):", len(validationErrs))
	for _, fe := range validationErrs {
		fmt.Fprintf(&sb, "\n  %s: failed '%s' validation", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			fmt.Fprintf(&sb, " (param: %s)", fe.Param())
		}
	}
	return errors.New(sb.String())
}
