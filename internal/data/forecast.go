package data

import (
	"sort"
	"time"
)

const (
	// ForecastWindowDays is the trailing window used to measure demand.
	ForecastWindowDays = 30
	// MinForecastOrders is the history needed before real velocities are used.
	MinForecastOrders = 10
	// NoDemandDays stands in for an infinite runway when a product has no burn.
	NoDemandDays = 9999
)

// Risk levels for a forecast row.
const (
	RiskCritical = "CRITICAL"
	RiskHigh     = "HIGH"
	RiskModerate = "MODERATE"
	RiskLow      = "LOW"
)

// demoVelocities are placeholder daily burn rates cycled by product index when
// there is too little history to measure demand. They are not a forecast.
var demoVelocities = []float64{2.5, 1.0, 4.0, 0.5, 3.0}

// ForecastRow is the stock-out projection for one product.
type ForecastRow struct {
	ProductID         string
	Name              string
	StockLevel        float64
	DailyBurnRate     float64
	DaysUntilStockout float64
	RiskLevel         string
}

// Forecast is the supply-chain projection across all products.
type Forecast struct {
	AsOf         time.Time
	WindowStart  time.Time
	OrdersInData int
	DemoVelocity bool
	Rows         []ForecastRow
}

// SupplyChainForecast projects days until stock-out per product from the
// trailing ForecastWindowDays of orders. Rows are sorted most urgent first.
func (t *TableSet) SupplyChainForecast(asOf time.Time) Forecast {
	asOf = naive(asOf)
	windowStart := asOf.AddDate(0, 0, -ForecastWindowDays)

	dated := 0
	units := make(map[string]float64)
	for _, o := range t.Orders {
		if o.OrderDate == nil {
			continue
		}
		dated++
		if o.OrderDate.Before(windowStart) || o.OrderDate.After(asOf) {
			continue
		}
		qty := 1.0
		if o.Quantity != nil && *o.Quantity > 0 {
			qty = *o.Quantity
		}
		units[o.ProductID] += qty
	}

	fc := Forecast{
		AsOf:         asOf,
		WindowStart:  windowStart,
		OrdersInData: dated,
		DemoVelocity: dated < MinForecastOrders,
	}

	for i, p := range t.Products {
		stock := 0.0
		if p.StockLevel != nil {
			stock = *p.StockLevel
		}
		burn := units[p.ProductID] / ForecastWindowDays
		if fc.DemoVelocity {
			burn = demoVelocities[i%len(demoVelocities)]
		}
		days := float64(NoDemandDays)
		if burn > 0 {
			days = stock / burn
		}
		fc.Rows = append(fc.Rows, ForecastRow{
			ProductID:         p.ProductID,
			Name:              p.Name,
			StockLevel:        stock,
			DailyBurnRate:     burn,
			DaysUntilStockout: days,
			RiskLevel:         riskLevel(days),
		})
	}

	sort.SliceStable(fc.Rows, func(i, j int) bool {
		return fc.Rows[i].DaysUntilStockout < fc.Rows[j].DaysUntilStockout
	})
	return fc
}

func riskLevel(days float64) string {
	switch {
	case days <= 7:
		return RiskCritical
	case days <= 14:
		return RiskHigh
	case days <= 30:
		return RiskModerate
	default:
		return RiskLow
	}
}
