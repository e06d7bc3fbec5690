package app

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"rirparser/internal/app/version"
)

// CLI is the command tree of the rirparser binary.
type CLI struct {
	Debug    bool   `help:"Enable debug logging." env:"RIRPARSER_DEBUG"`
	Settings string `help:"Path to the settings file." type:"path"`

	Parse         ParseCmd         `cmd:"" help:"Parse a delegation feed and print normalized blocks."`
	Report        ReportCmd        `cmd:"" help:"Print per-country totals for a feed or for stored ranges."`
	Refresh       RefreshCmd       `cmd:"" help:"Fetch every configured registry once."`
	Watch         WatchCmd         `cmd:"" help:"Keep registries refreshed on the configured interval."`
	Lookup        LookupCmd        `cmd:"" help:"Print the delegated country of IP addresses."`
	Status        StatusCmd        `cmd:"" help:"Show refresh state, stored snapshots and running watchers."`
	Countries     CountriesCmd     `cmd:"" help:"List known country codes."`
	GeoliteUpdate GeoliteUpdateCmd `cmd:"" name:"geolite-update" help:"Download the GeoLite country database."`
	Version       VersionCmd       `cmd:"" help:"Print version information."`
}

// cmdContext is bound into every command's Run method.
type cmdContext struct {
	ctx context.Context
	out io.Writer
}

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found. Falling back to system environment variables.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return Execute(ctx, os.Args[1:], os.Stdout)
}

// Execute parses args and runs the selected command, writing results to out.
func Execute(ctx context.Context, args []string, out io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("rirparser"),
		kong.Description("Normalizes RIR delegation statistics into country CIDR blocks."),
		kong.UsageOnError(),
		kong.Writers(out, os.Stderr),
		kong.Vars{"version": version.BuildVersion()},
	)
	if err != nil {
		return err
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	configureLogging(cli.Debug)
	if cli.Settings != "" {
		if err := os.Setenv("RIRPARSER_SETTINGS", cli.Settings); err != nil {
			return err
		}
	}

	return kctx.Run(&cmdContext{ctx: ctx, out: out})
}

func configureLogging(debug bool) {
	level := log.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		parsed, err := log.ParseLevel(raw)
		if err != nil {
			log.Warn("invalid log level override", "env", "LOG_LEVEL", "value", raw)
		} else {
			level = parsed
		}
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
}
