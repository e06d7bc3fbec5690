package app

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"rirparser/internal/app/bootstrap"
	"rirparser/internal/app/version"
	"rirparser/internal/config"
	"rirparser/internal/database"
	"rirparser/internal/feed"
	"rirparser/internal/geolite"
	jobruntime "rirparser/internal/jobs/runtime"
	"rirparser/internal/lookup"
	"rirparser/internal/refresh"
	"rirparser/internal/report"
	"rirparser/internal/rir"
)

var errNoRanges = errors.New("no ranges loaded: run refresh with storage enabled or pass --source")

type ParseCmd struct {
	Source  string   `arg:"" optional:"" default:"-" help:"Registry name, URL, file path or - for stdin."`
	Format  string   `short:"f" enum:"list,bind,openvpn,json" default:"list" help:"Output format (${enum})."`
	Country []string `short:"c" help:"Only print blocks for these country codes."`
	Kind    string   `enum:"all,ipv4,ipv6" default:"all" help:"Address family to print (${enum})."`
}

func (c *ParseCmd) Run(cc *cmdContext) error {
	w, err := report.NewWriter(report.Format(c.Format), cc.out)
	if err != nil {
		return err
	}

	match := newRecordFilter(c.Country, c.Kind)
	stats, err := parseSource(cc, c.Source, func(r rir.Record) error {
		if !match(r) {
			return nil
		}
		return w.Write(r)
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	log.Debug("Feed parsed",
		"source", c.Source,
		"lines", humanize.Comma(int64(stats.Lines)),
		"merged", stats.Merged,
		"ipv4_blocks", stats.IPv4Blocks,
		"ipv6_blocks", stats.IPv6,
	)
	return nil
}

type ReportCmd struct {
	Source string `arg:"" optional:"" help:"Feed to summarise. Stored ranges are used when omitted."`
}

func (c *ReportCmd) Run(cc *cmdContext) error {
	summary := report.NewSummary()

	if c.Source != "" {
		if _, err := parseSource(cc, c.Source, summary.Add); err != nil {
			return err
		}
		return summary.Write(cc.out)
	}

	services, err := bootstrap.Setup(true)
	if err != nil {
		return err
	}
	defer services.Close()
	if !services.Storage {
		return errors.New("report: no source given and storage is disabled")
	}

	totals, err := database.CountryTotals(cc.ctx)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	for _, t := range totals {
		summary.AddCounts(t.Country, rir.Kind(t.Kind), t.Blocks, t.Addresses)
	}
	if ts, err := time.Parse(time.RFC3339, config.GetConfig().LastRefreshedAt); err == nil {
		summary.RefreshedAt = ts
	}
	return summary.Write(cc.out)
}

type RefreshCmd struct {
	Force bool `help:"Reprocess feeds even when they match the last snapshot."`
}

func (c *RefreshCmd) Run(cc *cmdContext) error {
	services, err := bootstrap.Setup(true)
	if err != nil {
		return err
	}
	defer services.Close()

	if err := refresh.Initialize(cc.ctx); err != nil {
		return err
	}
	outcome, err := refresh.Refresh(cc.ctx, "manual", c.Force)
	if err != nil {
		return err
	}
	return writeOutcome(cc, outcome)
}

func writeOutcome(cc *cmdContext, outcome *refresh.Outcome) error {
	tw := tabwriter.NewWriter(cc.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGISTRY\tSTATUS\tIPV4 BLOCKS\tIPV6 BLOCKS\tCOUNTRIES\tDIGEST")
	for _, r := range outcome.Registries {
		status := "loaded"
		switch {
		case r.Err != nil:
			status = "failed: " + r.Err.Error()
		case r.Unchanged:
			status = "unchanged"
		}
		digest := r.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Registry, status,
			humanize.Comma(int64(r.Stats.IPv4Blocks)),
			humanize.Comma(int64(r.Stats.IPv6)),
			r.Countries, digest,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cc.out, "\n%d loaded, %d unchanged, %d failed, %s blocks in lookup table\n",
		outcome.Loaded, outcome.Unchanged, outcome.Failed, humanize.Comma(int64(outcome.LookupSize)))
	return err
}

type WatchCmd struct{}

func (c *WatchCmd) Run(cc *cmdContext) error {
	services, err := bootstrap.Setup(true)
	if err != nil {
		return err
	}
	defer services.Close()

	if err := refresh.Initialize(cc.ctx); err != nil {
		log.Error("Failed to load stored ranges", "error", err)
	}
	services.StartRoutines(cc.ctx)

	log.Info("Watching registries", "interval", config.GetRefreshInterval())
	refresh.StartRefreshRoutine(cc.ctx)
	return nil
}

type LookupCmd struct {
	Addresses []string `arg:"" help:"IPv4 or IPv6 addresses."`
	Source    string   `short:"s" help:"Build the table from this feed instead of stored ranges."`
}

func (c *LookupCmd) Run(cc *cmdContext) error {
	table, err := c.loadTable(cc)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cc.out, 0, 0, 2, ' ', 0)
	for _, raw := range c.Addresses {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("lookup: invalid address %q", raw)
		}
		country, ok := table.Lookup(addr)
		if !ok {
			fmt.Fprintf(tw, "%s\t-\tnot delegated\n", addr)
			continue
		}
		line := fmt.Sprintf("%s\t%s\t%s", addr, country, report.CountryName(country))
		if geolite.Available() {
			if code, err := geolite.CountryCode(net.IP(addr.AsSlice())); err == nil && code != "" {
				line += "\tgeolite:" + code
			}
		}
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}

func (c *LookupCmd) loadTable(cc *cmdContext) (*lookup.Table, error) {
	if c.Source != "" {
		b := lookup.NewBuilder()
		if _, err := parseSource(cc, c.Source, b.Add); err != nil {
			return nil, err
		}
		return b.Table(), nil
	}

	services, err := bootstrap.Setup(true)
	if err != nil {
		return nil, err
	}
	defer services.Close()

	if err := refresh.Initialize(cc.ctx); err != nil {
		return nil, err
	}
	table := lookup.Current()
	if table.Len() == 0 {
		return nil, errNoRanges
	}
	return table, nil
}

type StatusCmd struct {
	Limit int `default:"10" help:"Number of snapshots to show."`
}

func (c *StatusCmd) Run(cc *cmdContext) error {
	services, err := bootstrap.Setup(true)
	if err != nil {
		return err
	}
	defer services.Close()

	cfg := config.GetConfig()
	if ts, err := time.Parse(time.RFC3339, cfg.LastRefreshedAt); err == nil {
		fmt.Fprintf(cc.out, "Last refresh: %s\n", humanize.Time(ts))
	} else {
		fmt.Fprintln(cc.out, "Last refresh: never")
	}
	fmt.Fprintf(cc.out, "Refresh interval: %s\n", config.GetRefreshInterval())
	fmt.Fprintf(cc.out, "GeoLite database loaded: %t\n", geolite.Available())

	if services.Redis != nil {
		instances, err := jobruntime.ActiveInstances(cc.ctx, services.Redis)
		if err != nil {
			return fmt.Errorf("status: list instances: %w", err)
		}
		fmt.Fprintf(cc.out, "Watch instances: %d\n", len(instances))
		for _, inst := range instances {
			fmt.Fprintf(cc.out, "  %s (%s, started %s)\n", inst.ID, inst.Version, humanize.Time(inst.StartedAt))
		}
	}

	if !services.Storage {
		return nil
	}
	snapshots, err := database.ListSnapshots(cc.ctx, c.Limit)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	fmt.Fprintln(cc.out)
	tw := tabwriter.NewWriter(cc.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGISTRY\tFETCHED\tIPV4 BLOCKS\tIPV6 BLOCKS\tCOUNTRIES\tRUN")
	for _, s := range snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.Registry, humanize.Time(s.FetchedAt),
			humanize.Comma(int64(s.IPv4Blocks)), humanize.Comma(int64(s.IPv6Blocks)),
			len(s.Countries), s.RunID,
		)
	}
	return tw.Flush()
}

type CountriesCmd struct{}

func (c *CountriesCmd) Run(cc *cmdContext) error {
	tw := tabwriter.NewWriter(cc.out, 0, 0, 2, ' ', 0)
	for _, country := range report.Countries() {
		fmt.Fprintf(tw, "%s\t%s\n", country.Code, country.Name)
	}
	return tw.Flush()
}

type GeoliteUpdateCmd struct{}

func (c *GeoliteUpdateCmd) Run(cc *cmdContext) error {
	services, err := bootstrap.Setup(false)
	if err != nil {
		return err
	}
	defer services.Close()

	return jobruntime.RunGeoLiteUpdate(cc.ctx, "manual", true)
}

type VersionCmd struct{}

func (c *VersionCmd) Run(cc *cmdContext) error {
	info := version.GetInfo()
	line := "rirparser " + info.Version
	if info.BuiltAt != "" {
		line += " (built " + info.BuiltAt + ")"
	}
	if info.GoVersion != "" {
		line += " " + info.GoVersion
	}
	_, err := fmt.Fprintln(cc.out, line)
	return err
}

// parseSource resolves a registry name or location, opens it and runs the
// pipeline with the configured options.
func parseSource(cc *cmdContext, source string, emit func(rir.Record) error) (rir.Stats, error) {
	if err := config.ReadSettings(); err != nil {
		return rir.Stats{}, err
	}
	cfg := config.GetConfig()

	location, registry := feed.Resolve(source, cfg.Registries)
	body, err := feed.Open(cc.ctx, location, feed.OptionsFromConfig(cfg))
	if err != nil {
		return rir.Stats{}, err
	}
	defer body.Close()

	stats, err := rir.Run(cc.ctx, body, emit, refresh.PipelineOptions(cfg)...)
	if err != nil {
		return stats, fmt.Errorf("parse %s: %w", location, err)
	}
	log.Debug("Feed read", "location", location, "registry", registry,
		"compression", body.Compression, "bytes", humanize.Bytes(uint64(body.RawBytes())), "digest", body.Digest())
	return stats, nil
}

func newRecordFilter(countries []string, kind string) func(rir.Record) bool {
	wanted := make(map[string]struct{}, len(countries))
	for _, c := range countries {
		for _, part := range strings.Split(c, ",") {
			if part = strings.TrimSpace(part); part != "" {
				wanted[strings.ToUpper(part)] = struct{}{}
			}
		}
	}
	return func(r rir.Record) bool {
		if kind != "" && kind != "all" && string(r.Kind) != kind {
			return false
		}
		if len(wanted) == 0 {
			return true
		}
		_, ok := wanted[r.Country]
		return ok
	}
}
