package cli

import (
	"fmt"
	"strings"

	"github.com/islishude/goarchive/internal/config"
)

type Mode string

const (
	ModeNone    Mode = ""
	ModeCreate  Mode = "create"
	ModeExtract Mode = "extract"
	ModeList    Mode = "list"
)

type Options struct {
	Mode    Mode
	Archive string
	// Format and Filters are names as accepted by archive.ParseFormat and
	// archive.ParseFilter. Empty means guess from the archive name.
	Format          string
	Filters         []string
	Program         string
	Level           *int
	BlockSize       int
	Suffix          string
	Chdir           string
	StripComponents int
	ToStdout        bool
	Exclude         []string
	ExcludeFrom     []string
	Wildcards       bool
	Verbose         bool
	ACL             bool
	Xattrs          bool
	SameOwner       *bool
	SamePermissions *bool
	Members         []string

	Debug    bool
	LogLevel string
}

// ApplyConfig fills every option the command line left unset from cfg.
func (o *Options) ApplyConfig(cfg config.Config) {
	if o.Format == "" {
		o.Format = cfg.Format
	}
	if len(o.Filters) == 0 {
		o.Filters = cfg.Filters
	}
	if o.Program == "" {
		o.Program = cfg.Program
	}
	if o.Level == nil && cfg.Level != nil {
		level := *cfg.Level
		o.Level = &level
	}
	if o.BlockSize == 0 {
		o.BlockSize = cfg.BlockSize
	}
	o.Exclude = append(o.Exclude, cfg.Exclude...)
	if o.LogLevel == "" {
		o.LogLevel = cfg.LogLevel
	}
	if o.Mode != ModeExtract {
		return
	}
	if o.StripComponents == 0 {
		o.StripComponents = cfg.Extract.StripComponents
	}
	if o.SamePermissions == nil && cfg.Extract.SamePermissions != nil {
		same := *cfg.Extract.SamePermissions
		o.SamePermissions = &same
	}
	if o.SameOwner == nil && cfg.Extract.SameOwner {
		same := true
		o.SameOwner = &same
	}
	o.Xattrs = o.Xattrs || cfg.Extract.Xattrs
}

func (o Options) validate() error {
	if o.Mode == ModeNone {
		return fmt.Errorf("no operation mode specified")
	}
	if strings.TrimSpace(o.Archive) == "" {
		return fmt.Errorf("option -f is required")
	}
	if o.Mode == ModeCreate && len(o.Members) == 0 {
		return fmt.Errorf("cowardly refusing to create an empty archive")
	}
	if o.StripComponents < 0 {
		return fmt.Errorf("option --strip-components requires a non-negative integer")
	}
	if o.BlockSize < 0 {
		return fmt.Errorf("option --block-size must be positive")
	}
	return nil
}
