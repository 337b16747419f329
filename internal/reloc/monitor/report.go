package monitor

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	storage "github.com/banshee-data/reloc/internal/reloc/storage/sqlite"
)

// WriteRunReport renders an HTML report for one persisted run: a line
// chart of final per-frame energies and a bar chart of halving rounds,
// with failed frames marked at zero. Debugging aid only, no styling
// ambitions.
func WriteRunReport(store *storage.RunStore, runID, outPath string) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	results, err := store.ListFrameResults(runID)
	if err != nil {
		return fmt.Errorf("failed to load frame results: %w", err)
	}
	if len(results) == 0 {
		return fmt.Errorf("run %s has no frame results", runID)
	}

	frames := make([]string, len(results))
	energies := make([]opts.LineData, len(results))
	rounds := make([]opts.BarData, len(results))
	okCount := 0
	for i, fr := range results {
		frames[i] = fr.FrameID
		if fr.Status == "OK" {
			energies[i] = opts.LineData{Value: fr.Energy}
			okCount++
		} else {
			energies[i] = opts.LineData{Value: 0, Symbol: "triangle"}
		}
		rounds[i] = opts.BarData{Value: fr.Rounds}
	}

	energyChart := charts.NewLine()
	energyChart.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Run %s", runID),
			Subtitle: fmt.Sprintf("%d/%d frames relocalised (%s)", okCount, len(results), run.FramesDir),
		}),
		charts.WithYAxisOpts(opts.YAxis{Name: "final energy"}),
	)
	energyChart.SetXAxis(frames).
		AddSeries("best candidate energy", energies)

	roundsChart := charts.NewBar()
	roundsChart.SetGlobalOptions(
		charts.WithYAxisOpts(opts.YAxis{Name: "halving rounds"}),
	)
	roundsChart.SetXAxis(frames).
		AddSeries("rounds used", rounds)

	page := components.NewPage()
	page.AddCharts(energyChart, roundsChart)

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}
