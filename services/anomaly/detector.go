package anomaly

import "math"

const (
	defaultWindowSize = 30
	defaultMinWindow  = 5
)

type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Detector scores usage samples against a rolling window of prior values.
// It is pure: callers supply the history, the detector never reads state.
type Detector struct {
	WindowSize int
	MinWindow  int
}

func NewDetector(windowSize, minWindow int) Detector {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	if minWindow <= 0 {
		minWindow = defaultMinWindow
	}
	return Detector{WindowSize: windowSize, MinWindow: minWindow}
}

type Score struct {
	ZScore   float64
	Mean     float64
	StdDev   float64
	Window   int
	Severity Severity
}

// Score computes the z-score of value against the most recent WindowSize
// history entries. Too little history scores as no anomaly, and a zero
// standard deviation yields z = 0 rather than a sentinel.
func (d Detector) Score(history []float64, value float64) Score {
	if len(history) > d.WindowSize {
		history = history[len(history)-d.WindowSize:]
	}

	n := len(history)
	if n < d.MinWindow {
		return Score{Window: n, Severity: SeverityNone}
	}

	var sum float64
	for _, v := range history {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range history {
		sq += (v - mean) * (v - mean)
	}
	// sample standard deviation
	std := math.Sqrt(sq / float64(n-1))

	z := 0.0
	if std > 0 {
		z = (value - mean) / std
	}

	return Score{
		ZScore:   z,
		Mean:     mean,
		StdDev:   std,
		Window:   n,
		Severity: classify(z),
	}
}

func classify(z float64) Severity {
	abs := math.Abs(z)
	switch {
	case abs > 3:
		return SeverityHigh
	case abs > 2:
		return SeverityMedium
	default:
		return SeverityNone
	}
}
