package scratchnet

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// SweepSpacing derives one config per spacing from base, named after the spacing
func SweepSpacing(base *ExperimentConfig, spacings []float64) ([]*ExperimentConfig, error) {
	cfgs := make([]*ExperimentConfig, 0, len(spacings))
	errs := []error{}
	for _, spacing := range spacings {
		cfg, err := base.WithSpacing(spacing)
		if err != nil {
			errs = append(errs, fmt.Errorf("spacing %g: %w", spacing, err))
			continue
		}
		cfgs = append(cfgs, cfg.WithName(fmt.Sprintf("%s-d%g", base.Name(), spacing)))
	}
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}
	return cfgs, nil
}

// CampaignOptions are the outputs of a campaign.  Empty paths are not written;
// every run writes its own copy, suffixed with the run index
type CampaignOptions struct {
	Logger        *slog.Logger
	PcapPrefix    string
	FlowStatsPath string
	Detail        bool
	RecordsPath   string
	TracePath     string
	TraceAll      bool
	Horizon       float64
	Metrics       *RunMetrics
}

// RunPath inserts "-<idx>" before the extension of path.  A ".sz" suffix is kept last
func RunPath(path string, idx int) string {
	if path == "" {
		return ""
	}
	suffix := ""
	if filepath.Ext(path) == ".sz" {
		suffix = ".sz"
		path = strings.TrimSuffix(path, suffix)
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + strconv.Itoa(idx) + ext + suffix
}

// RunCampaign executes the configs one after another, each on a fresh engine from
// factory.  It stops at the first run that fails and returns the results so far
func RunCampaign(ctx context.Context, cfgs []*ExperimentConfig, factory EngineFactory, co CampaignOptions) ([]*RunResult, error) {
	if factory == nil {
		factory = DefaultEngine
	}
	logger := co.Logger
	if logger == nil {
		logger = slog.Default()
	}
	single := len(cfgs) == 1
	path := func(p string, idx int) string {
		if single {
			return p
		}
		return RunPath(p, idx)
	}

	results := make([]*RunResult, 0, len(cfgs))
	for idx, cfg := range cfgs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		opts := []Option{WithLogger(logger), WithMetrics(co.Metrics)}
		if co.PcapPrefix != "" {
			prefix := co.PcapPrefix
			if !single {
				prefix += "-" + strconv.Itoa(idx)
			}
			opts = append(opts, WithPcap(prefix))
		}
		if co.FlowStatsPath != "" {
			opts = append(opts, WithFlowStatsFile(path(co.FlowStatsPath, idx), co.Detail))
		}
		if co.TracePath != "" {
			opts = append(opts, WithTrace(path(co.TracePath, idx), co.TraceAll))
		}
		if co.Horizon > 0 {
			opts = append(opts, WithHorizon(co.Horizon))
		}

		res, err := Execute(ctx, cfg, factory(cfg.Name()), opts...)
		if err != nil {
			// a run whose clock completed keeps its counters even if an output failed
			if res != nil {
				results = append(results, res)
			}
			return results, fmt.Errorf("run %d (%s): %w", idx, cfg.Name(), err)
		}
		if co.RecordsPath != "" {
			if err := WriteRecords(res, path(co.RecordsPath, idx)); err != nil {
				return results, fmt.Errorf("run %d (%s) records: %w", idx, cfg.Name(), err)
			}
		}
		results = append(results, res)
	}
	return results, nil
}

var tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var tableCellStyle = lipgloss.NewStyle().Padding(0, 1)

// CampaignTable renders one row per run with the summary of its flows
func CampaignTable(results []*RunResult) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		}).
		Headers("run", "distance", "flows", "missing", "offered (Mbps)", "throughput (Mbps)", "goodput (Mbps)")

	for _, res := range results {
		s := Summarize(res.Metrics)
		t.Row(
			res.Name,
			strconv.FormatFloat(res.Spacing, 'g', -1, 64),
			strconv.Itoa(len(res.Flows)),
			strconv.Itoa(len(res.Warnings)),
			fmt.Sprintf("%.4f", s.OfferedLoadSum),
			fmt.Sprintf("%.4f", s.ThroughputSum),
			fmt.Sprintf("%.4f", s.GoodputSum),
		)
	}
	return t.String()
}
