// Package cli defines the goarchive command line and turns it into Options.
package cli

import (
	"context"
	"fmt"

	ucli "github.com/urfave/cli/v3"
	"go.uber.org/zap/zapcore"

	"github.com/islishude/goarchive/internal/config"
)

// RunFunc executes one parsed command.
type RunFunc func(ctx context.Context, opts Options) error

// NewApp builds the root command. run is called once per invocation of a
// subcommand with options merged from flags and the config file.
func NewApp(name string, run RunFunc) *ucli.Command {
	return &ucli.Command{
		Name:        name,
		Usage:       "streaming multi-format archiver with S3 support",
		Description: appDescription,
		Flags: []ucli.Flag{
			&ucli.StringFlag{
				Name:    "config",
				Usage:   "YAML file with default options",
				Sources: ucli.EnvVars("GOARCHIVE_CONFIG"),
			},
			&ucli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
			},
			&ucli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Log level (debug, info, warn, error)",
				Action: func(ctx context.Context, command *ucli.Command, s string) error {
					if _, err := zapcore.ParseLevel(s); err != nil {
						return fmt.Errorf("invalid log level %s: %w", s, err)
					}
					return nil
				},
			},
		},
		Commands: []*ucli.Command{
			{
				Name:        "create",
				Aliases:     []string{"c"},
				Usage:       "Create an archive",
				ArgsUsage:   "<member>...",
				Description: createDescription,
				Flags:       append(commonFlags(), createFlags()...),
				Action:      action(ModeCreate, run),
			},
			{
				Name:        "extract",
				Aliases:     []string{"x"},
				Usage:       "Extract an archive",
				ArgsUsage:   "[member]...",
				Description: extractDescription,
				Flags:       append(commonFlags(), extractFlags()...),
				Action:      action(ModeExtract, run),
			},
			{
				Name:        "list",
				Aliases:     []string{"t"},
				Usage:       "List the entries of an archive",
				ArgsUsage:   "[member]...",
				Description: listDescription,
				Flags:       append(commonFlags(), &ucli.BoolFlag{Name: "wildcards", Usage: "Match members as shell patterns"}),
				Action:      action(ModeList, run),
			},
		},
	}
}

func commonFlags() []ucli.Flag {
	return []ucli.Flag{
		&ucli.StringFlag{
			Name:     "file",
			Aliases:  []string{"f"},
			Usage:    "Archive path: local file, -, s3://bucket/key, or S3 ARN",
			Required: true,
		},
		&ucli.StringFlag{Name: "program", Usage: "External command used as a compression filter"},
		&ucli.IntFlag{Name: "block-size", Usage: "Read and write block size in bytes"},
		&ucli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Verbose output"},
	}
}

func createFlags() []ucli.Flag {
	return []ucli.Flag{
		&ucli.StringFlag{Name: "format", Usage: "Output format (ustar, pax, paxr, gnutar, zip, cpio, ar, arbsd, mtree, raw, warc)"},
		&ucli.StringSliceFlag{Name: "filter", Usage: "Compression filter, innermost first (gzip, bzip2, xz, lzma, lz4, zstd, uu, program)"},
		&ucli.IntFlag{Name: "level", Usage: "Compression level; omitted uses the filter default"},
		&ucli.StringFlag{Name: "suffix", Usage: "Suffix added to the archive name, or \"date\""},
		&ucli.StringFlag{Name: "directory", Aliases: []string{"C"}, Usage: "Change to directory before adding members"},
		&ucli.StringSliceFlag{Name: "exclude", Usage: "Skip members matching pattern"},
		&ucli.StringSliceFlag{Name: "exclude-from", Usage: "Read exclude patterns from file"},
		&ucli.BoolFlag{Name: "xattrs", Usage: "Store extended attributes"},
		&ucli.BoolFlag{Name: "acl", Usage: "Store POSIX.1e ACLs"},
	}
}

func extractFlags() []ucli.Flag {
	return []ucli.Flag{
		&ucli.StringFlag{Name: "directory", Aliases: []string{"C"}, Usage: "Extract below directory or s3://bucket/prefix"},
		&ucli.IntFlag{Name: "strip-components", Usage: "Remove leading path elements"},
		&ucli.BoolFlag{Name: "to-stdout", Aliases: []string{"O"}, Usage: "Write regular file data to stdout"},
		&ucli.BoolFlag{Name: "wildcards", Usage: "Match members as shell patterns"},
		&ucli.BoolFlag{Name: "same-owner", Usage: "Restore file ownership"},
		&ucli.BoolFlag{Name: "no-same-owner", Usage: "Do not restore file ownership"},
		&ucli.BoolFlag{Name: "same-permissions", Aliases: []string{"p"}, Usage: "Restore permissions exactly"},
		&ucli.BoolFlag{Name: "no-same-permissions", Usage: "Apply the umask to restored permissions"},
		&ucli.BoolFlag{Name: "xattrs", Usage: "Restore extended attributes"},
		&ucli.BoolFlag{Name: "acl", Usage: "Restore POSIX.1e ACLs"},
	}
}

func action(mode Mode, run RunFunc) ucli.ActionFunc {
	return func(ctx context.Context, cmd *ucli.Command) error {
		opts, err := FromCommand(mode, cmd)
		if err != nil {
			return err
		}
		return run(ctx, opts)
	}
}

// FromCommand reads the flags of cmd and fills the gaps from the config
// file named by --config.
func FromCommand(mode Mode, cmd *ucli.Command) (Options, error) {
	opts := Options{
		Mode:            mode,
		Archive:         cmd.String("file"),
		Program:         cmd.String("program"),
		BlockSize:       cmd.Int("block-size"),
		Verbose:         cmd.Bool("verbose"),
		Wildcards:       cmd.Bool("wildcards"),
		Xattrs:          cmd.Bool("xattrs"),
		ACL:             cmd.Bool("acl"),
		Chdir:           cmd.String("directory"),
		Members:         cmd.Args().Slice(),
		Debug:           cmd.Bool("debug"),
		LogLevel:        cmd.String("log-level"),
		StripComponents: cmd.Int("strip-components"),
		ToStdout:        cmd.Bool("to-stdout"),
	}
	if mode == ModeCreate {
		opts.Format = cmd.String("format")
		opts.Filters = cmd.StringSlice("filter")
		opts.Suffix = cmd.String("suffix")
		opts.Exclude = cmd.StringSlice("exclude")
		opts.ExcludeFrom = cmd.StringSlice("exclude-from")
		if cmd.IsSet("level") {
			level := cmd.Int("level")
			opts.Level = &level
		}
	}
	if mode == ModeExtract {
		opts.SameOwner = tristate(cmd, "same-owner", "no-same-owner")
		opts.SamePermissions = tristate(cmd, "same-permissions", "no-same-permissions")
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return opts, err
	}
	opts.ApplyConfig(cfg)
	if err := opts.validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// tristate returns nil unless one of the paired flags was given; the
// negative flag wins when both are.
func tristate(cmd *ucli.Command, yes, no string) *bool {
	var v bool
	switch {
	case cmd.IsSet(no) && cmd.Bool(no):
		v = false
	case cmd.IsSet(yes):
		v = cmd.Bool(yes)
	default:
		return nil
	}
	return &v
}
