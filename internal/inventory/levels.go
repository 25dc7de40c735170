package inventory

// StockLevel is a coarse label for dashboards.
type StockLevel string

const (
	StockCritical StockLevel = "critical"
	StockLow      StockLevel = "low"
	StockAdequate StockLevel = "adequate"
	StockGood     StockLevel = "good"
)

// Thresholds are upper bounds in ml: below Critical is critical, below Low is
// low, below Adequate is adequate, anything else is good.
type Thresholds struct {
	Critical int64
	Low      int64
	Adequate int64
}

// DefaultThresholds assume 450 ml units: fewer than 2, 5 and 10 units.
var DefaultThresholds = Thresholds{Critical: 900, Low: 2250, Adequate: 4500}

func (t Thresholds) Classify(ml int64) StockLevel {
	switch {
	case ml < t.Critical:
		return StockCritical
	case ml < t.Low:
		return StockLow
	case ml < t.Adequate:
		return StockAdequate
	default:
		return StockGood
	}
}
