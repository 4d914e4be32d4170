package features

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Known sensor channels. Readings on other channels are rejected at ingestion.
const (
	SensorVibration   = "vibration"
	SensorTemperature = "temperature"
	SensorPressure    = "pressure"
	SensorRPM         = "rpm"
	SensorCurrent     = "current"
	SensorVoltage     = "voltage"
	SensorSpeed       = "speed"
)

// KnownSensors lists the accepted sensor channel names.
var KnownSensors = []string{
	SensorVibration,
	SensorTemperature,
	SensorPressure,
	SensorRPM,
	SensorCurrent,
	SensorVoltage,
	SensorSpeed,
}

// IsKnownSensor reports whether name is an accepted sensor channel.
func IsKnownSensor(name string) bool {
	for _, s := range KnownSensors {
		if s == name {
			return true
		}
	}
	return false
}

// Default lag and rolling-window configurations, in sampling periods.
var (
	DefaultLags           = []int{1, 2, 3, 6, 12}
	DefaultRollingWindows = []int{3, 6, 12}
)

// Reading is a single tall-format sensor observation.
type Reading struct {
	Timestamp time.Time
	MachineID string
	Sensor    string
	Value     float64
}

// Row is one wide-format feature row keyed by (timestamp, machine).
// Values are aligned with the owning Frame's Columns.
type Row struct {
	Timestamp time.Time
	MachineID string
	Values    []float64
}

// Frame holds feature rows with a shared ordered column list.
type Frame struct {
	Columns []string
	Rows    []Row
}

// ColumnIndex returns the position of the named column.
func (f Frame) ColumnIndex(name string) (int, bool) {
	for i, c := range f.Columns {
		if c == name {
			return i, true
		}
	}
	return 0, false
}

// HasColumn reports whether the frame carries the named column.
func (f Frame) HasColumn(name string) bool {
	_, ok := f.ColumnIndex(name)
	return ok
}

// LagColumn names the lag feature for a sensor channel.
func LagColumn(sensor string, lag int) string {
	return fmt.Sprintf("%s_lag%d", sensor, lag)
}

// RollMeanColumn names the rolling-mean feature for a sensor channel.
func RollMeanColumn(sensor string, window int) string {
	return fmt.Sprintf("%s_roll%d_mean", sensor, window)
}

// RollStdColumn names the rolling-std feature for a sensor channel.
func RollStdColumn(sensor string, window int) string {
	return fmt.Sprintf("%s_roll%d_std", sensor, window)
}

// Build pivots tall readings into wide per-timestamp rows and derives lag and
// rolling-window statistics per sensor channel.
//
// Readings may arrive in any order; a stable sort by (timestamp, machine_id) is
// applied first. Multiple readings for the same (timestamp, machine, sensor) key
// are averaged. Lags and rolling windows are ordinal row offsets within each
// machine's series, which assumes uniform sampling; irregular intervals produce
// offset lags rather than time-delta lags.
//
// Rows for which any base or derived value is undefined (missing sensor at that
// instant, or insufficient trailing history) are excluded from the output, so
// each machine pays a warm-up cost of max(maxLag, maxWindow-1) leading rows.
// An empty input yields an empty frame.
func Build(readings []Reading, lags, rollingWindows []int) Frame {
	if len(readings) == 0 {
		return Frame{}
	}

	sorted := make([]Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].MachineID < sorted[j].MachineID
	})

	sensors := collectSensors(sorted)
	keys, base := pivot(sorted, sensors)

	columns := buildColumns(sensors, lags, rollingWindows)
	derivedPerSensor := len(lags) + 2*len(rollingWindows)

	// Derived values are computed per machine over that machine's row
	// subsequence, so lags never cross machine boundaries.
	values := make([][]float64, len(keys))
	for i := range values {
		row := make([]float64, len(columns))
		copy(row, base[i])
		for j := len(sensors); j < len(columns); j++ {
			row[j] = math.NaN()
		}
		values[i] = row
	}

	for _, rowIdxs := range machineRowIndexes(keys) {
		for si := range sensors {
			series := make([]float64, len(rowIdxs))
			for k, ri := range rowIdxs {
				series[k] = base[ri][si]
			}

			colBase := len(sensors) + si*derivedPerSensor
			for li, lag := range lags {
				for k, ri := range rowIdxs {
					if k-lag >= 0 {
						values[ri][colBase+li] = series[k-lag]
					}
				}
			}
			for wi, window := range rollingWindows {
				meanCol := colBase + len(lags) + 2*wi
				stdCol := meanCol + 1
				for k, ri := range rowIdxs {
					mean, std, ok := rollingStats(series, k, window)
					if ok {
						values[ri][meanCol] = mean
						values[ri][stdCol] = std
					}
				}
			}
		}
	}

	frame := Frame{Columns: columns}
	for i, key := range keys {
		if rowHasNaN(values[i]) {
			continue
		}
		frame.Rows = append(frame.Rows, Row{
			Timestamp: key.timestamp,
			MachineID: key.machineID,
			Values:    values[i],
		})
	}
	return frame
}

type rowKey struct {
	timestamp time.Time
	machineID string
}

func collectSensors(sorted []Reading) []string {
	seen := make(map[string]struct{})
	for _, r := range sorted {
		seen[r.Sensor] = struct{}{}
	}
	sensors := make([]string, 0, len(seen))
	for s := range seen {
		sensors = append(sensors, s)
	}
	sort.Strings(sensors)
	return sensors
}

// pivot groups sorted readings into one row per (timestamp, machine), averaging
// duplicate (timestamp, machine, sensor) observations. Missing channels are NaN.
func pivot(sorted []Reading, sensors []string) ([]rowKey, [][]float64) {
	sensorIdx := make(map[string]int, len(sensors))
	for i, s := range sensors {
		sensorIdx[s] = i
	}

	var keys []rowKey
	var sums [][]float64
	var counts [][]int

	for _, r := range sorted {
		n := len(keys)
		if n == 0 || !keys[n-1].timestamp.Equal(r.Timestamp) || keys[n-1].machineID != r.MachineID {
			keys = append(keys, rowKey{timestamp: r.Timestamp, machineID: r.MachineID})
			sums = append(sums, make([]float64, len(sensors)))
			counts = append(counts, make([]int, len(sensors)))
			n++
		}
		si := sensorIdx[r.Sensor]
		sums[n-1][si] += r.Value
		counts[n-1][si]++
	}

	base := make([][]float64, len(keys))
	for i := range keys {
		row := make([]float64, len(sensors))
		for si := range sensors {
			if counts[i][si] == 0 {
				row[si] = math.NaN()
			} else {
				row[si] = sums[i][si] / float64(counts[i][si])
			}
		}
		base[i] = row
	}
	return keys, base
}

func buildColumns(sensors []string, lags, rollingWindows []int) []string {
	columns := make([]string, 0, len(sensors)*(1+len(lags)+2*len(rollingWindows)))
	columns = append(columns, sensors...)
	for _, s := range sensors {
		for _, lag := range lags {
			columns = append(columns, LagColumn(s, lag))
		}
		for _, window := range rollingWindows {
			columns = append(columns, RollMeanColumn(s, window))
			columns = append(columns, RollStdColumn(s, window))
		}
	}
	return columns
}

// machineRowIndexes groups pivot row indexes per machine, preserving the sorted
// (timestamp, machine) order within each group.
func machineRowIndexes(keys []rowKey) map[string][]int {
	groups := make(map[string][]int)
	for i, key := range keys {
		groups[key.machineID] = append(groups[key.machineID], i)
	}
	return groups
}

// rollingStats computes mean and sample standard deviation over the trailing
// window ending at position end (inclusive). It reports ok=false when the
// window extends past the start of the series, contains an undefined value, or
// the window size does not admit a sample std.
func rollingStats(series []float64, end, window int) (mean, std float64, ok bool) {
	if window < 2 || end-window+1 < 0 {
		return 0, 0, false
	}
	sum := 0.0
	for i := end - window + 1; i <= end; i++ {
		if math.IsNaN(series[i]) {
			return 0, 0, false
		}
		sum += series[i]
	}
	mean = sum / float64(window)

	var sq float64
	for i := end - window + 1; i <= end; i++ {
		d := series[i] - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(window-1))
	return mean, std, true
}

func rowHasNaN(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
