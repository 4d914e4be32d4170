package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"machine-health-alerts/internal/storage"
)

// Export renders a machine's prediction history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.MachineID == "" {
		return errors.New("--machine is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	predictions, err := store.ListPredictionsBetween(ctx, opts.MachineID, from, to)
	if err != nil {
		return err
	}
	if len(predictions) == 0 {
		a.Logger.Info().Str("machine_id", opts.MachineID).Msg("no predictions found for export window")
		return nil
	}

	downsampled := downsamplePredictions(predictions, opts.MaxPoints)
	a.Logger.Info().Int("total", len(predictions)).Int("exported", len(downsampled)).Msg("exporting predictions")

	if opts.CSVPath != "" {
		if err := writePredictionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePredictionsPNG(opts.PNGPath, opts.MachineID, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePredictions(predictions []storage.PredictionRecord, max int) []storage.PredictionRecord {
	if max <= 0 || len(predictions) <= max {
		return predictions
	}

	result := make([]storage.PredictionRecord, 0, max)
	step := float64(len(predictions)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(predictions) {
			idx = len(predictions) - 1
		}
		result = append(result, predictions[idx])
	}
	return result
}

func writePredictionsCSV(path string, predictions []storage.PredictionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"predicted_at", "machine_id", "horizon_hours", "failure_probability", "anomaly_score", "confidence"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range predictions {
		anomaly := ""
		if p.AnomalyScore != nil {
			anomaly = strconv.FormatFloat(*p.AnomalyScore, 'f', 4, 64)
		}
		record := []string{
			p.PredictedAt.Format(time.RFC3339),
			p.MachineID,
			strconv.Itoa(p.HorizonHours),
			strconv.FormatFloat(p.FailureProbability, 'f', 4, 64),
			anomaly,
			strconv.FormatFloat(p.Confidence, 'f', 2, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePredictionsPNG(path, machineID string, predictions []storage.PredictionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	// One failure-probability series per horizon, plus anomaly on the
	// secondary axis.
	byHorizon := map[int]struct {
		x []time.Time
		y []float64
	}{}
	horizons := make([]int, 0, 4)
	var anomalyX []time.Time
	var anomalyY []float64

	for _, p := range predictions {
		series := byHorizon[p.HorizonHours]
		if len(series.x) == 0 {
			horizons = append(horizons, p.HorizonHours)
		}
		series.x = append(series.x, p.PredictedAt)
		series.y = append(series.y, p.FailureProbability)
		byHorizon[p.HorizonHours] = series

		if p.AnomalyScore != nil {
			anomalyX = append(anomalyX, p.PredictedAt)
			anomalyY = append(anomalyY, *p.AnomalyScore)
		}
	}

	formatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("Machine %s failure risk", machineID),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Failure probability",
			ValueFormatter: formatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Anomaly score",
			ValueFormatter: formatter,
		},
	}

	for _, horizon := range horizons {
		series := byHorizon[horizon]
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    fmt.Sprintf("Failure %dh", horizon),
			XValues: series.x,
			YValues: series.y,
		})
	}
	if len(anomalyX) > 0 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Anomaly",
			XValues: anomalyX,
			YValues: anomalyY,
			YAxis:   chart.YAxisSecondary,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
