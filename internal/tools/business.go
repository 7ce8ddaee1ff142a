package tools

import (
	"context"
	"errors"
	"fmt"
	"math"

	"abi-agent/internal/data"
	"abi-agent/internal/query"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// NoResultMessage is returned when an analyst script never assigns result.
const NoResultMessage = "Error: no result variable defined. Assign the final value to 'result'."

const (
	maxOverdueListed = 10
	maxAtRiskListed  = 5
)

var money = message.NewPrinter(language.English)

func formatMoney(v float64) string {
	return money.Sprintf("$%.2f", v)
}

func (r *Registry) getOrderStatus(_ context.Context, tables *data.TableSet, args map[string]any) (string, error) {
	orderID := stringArg(args, "order_id")
	if orderID == "" {
		return "", errors.New("order_id is required")
	}
	o, ok := tables.OrderByID(orderID)
	if !ok {
		return indentJSON(map[string]any{
			"status":               "Error",
			"message":              fmt.Sprintf("Order ID %s not found.", orderID),
			"sample_available_ids": tables.OrderIDs(5),
		}), nil
	}

	result := orderStatus{
		OrderID:         o.OrderID,
		Status:          o.Status,
		CustomerID:      o.CustomerID,
		ProductID:       o.ProductID,
		OrderDate:       dateString(o.OrderDate),
		ShipDate:        dateString(o.ShipDate),
		EstDeliveryDate: dateString(o.EstDelivery),
		ShippingMethod:  o.ShippingMethod,
		Quantity:        o.Quantity,
	}
	if o.Product != nil {
		result.ProductName = o.Product.Name
	}
	if o.OrderDate != nil && o.ShipDate != nil {
		days := o.ShipDate.Sub(*o.OrderDate).Hours() / 24
		result.ProcessingDays = &days
	}
	if o.EstDelivery != nil {
		now := r.opts.Now()
		days := data.DaysUntil(*o.EstDelivery, now)
		result.DaysUntilDelivery = &days
		overdue := data.IsDelayed(o.Order, now)
		result.IsOverdue = &overdue
		switch {
		case data.IsClosed(o.Status):
		case days < 0:
			result.DelayStatus = fmt.Sprintf("OVERDUE by %d days", -days)
		case days == 0:
			result.DelayStatus = "Due today"
		default:
			result.DelayStatus = fmt.Sprintf("On track, %d days remaining", days)
		}
	}
	return indentJSON(result), nil
}

type orderStatus struct {
	OrderID           string   `json:"OrderID"`
	Status            string   `json:"Status"`
	CustomerID        string   `json:"CustomerID,omitempty"`
	ProductID         string   `json:"ProductID,omitempty"`
	ProductName       string   `json:"ProductName,omitempty"`
	OrderDate         *string  `json:"OrderDate"`
	ShipDate          *string  `json:"ShipDate"`
	EstDeliveryDate   *string  `json:"EstDeliveryDate"`
	ShippingMethod    string   `json:"ShippingMethod,omitempty"`
	Quantity          *float64 `json:"Quantity,omitempty"`
	ProcessingDays    *float64 `json:"ProcessingTime_Days,omitempty"`
	DaysUntilDelivery *int     `json:"DaysUntilDelivery,omitempty"`
	DelayStatus       string   `json:"DelayStatus,omitempty"`
	IsOverdue         *bool    `json:"IsOverdue,omitempty"`
}

func (r *Registry) queryBusinessData(ctx context.Context, tables *data.TableSet, args map[string]any) (string, error) {
	code := stringArg(args, "code")
	if code == "" {
		return "", errors.New("code is required")
	}
	out, err := r.queries.Run(ctx, tables, code)
	if errors.Is(err, query.ErrNoResult) {
		return NoResultMessage, nil
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *Registry) checkRevenueAnomalies(_ context.Context, tables *data.TableSet, _ map[string]any) (string, error) {
	res, err := tables.RevenueOutliers(r.opts.Contamination)
	if errors.Is(err, data.ErrInsufficientData) {
		return fmt.Sprintf("Insufficient data: anomaly detection needs at least %d revenue transactions, found %d.",
			data.MinAnomalyRows, res.Analysed), nil
	}
	if err != nil {
		return "", err
	}

	type anomaly struct {
		RevenueID string  `json:"RevenueID"`
		OrderID   string  `json:"OrderID,omitempty"`
		Date      *string `json:"Date"`
		Amount    string  `json:"Amount"`
		Score     float64 `json:"AnomalyScore"`
		Type      string  `json:"Type"`
	}
	anomalies := make([]anomaly, 0, len(res.Outliers))
	for _, o := range res.Outliers {
		kind := "High"
		if *o.Amount < res.Mean {
			kind = "Low"
		}
		anomalies = append(anomalies, anomaly{
			RevenueID: o.RevenueID,
			OrderID:   o.OrderID,
			Date:      dateString(o.Date),
			Amount:    formatMoney(*o.Amount),
			Score:     math.Round(o.Score*1000) / 1000,
			Type:      kind,
		})
	}

	summary := map[string]any{
		"analysed_transactions": res.Analysed,
		"total_revenue":         formatMoney(res.Total),
		"average_transaction":   formatMoney(res.Mean),
		"contamination":         res.Contamination,
		"anomalies_detected":    len(anomalies),
		"anomalies":             anomalies,
	}
	if len(anomalies) > 0 {
		return "⚠️ REVENUE ANOMALIES DETECTED:\n" + indentJSON(summary), nil
	}
	return "✓ No significant revenue anomalies detected.\n" + indentJSON(summary), nil
}

func (r *Registry) checkCriticalDelays(_ context.Context, tables *data.TableSet, args map[string]any) (string, error) {
	minDays := intArg(args, "days_overdue", 0)
	report := tables.BuildDelayReport(r.opts.Now(), minDays)
	if report.Pending == 0 {
		return indentJSON(map[string]any{
			"status":  "SUCCESS",
			"message": "No pending orders found. All orders are either delivered or cancelled.",
		}), nil
	}

	result := map[string]any{
		"analysis_date":        report.AnalysisDate.Format("2006-01-02"),
		"total_pending_orders": report.Pending,
		"overdue_count":        len(report.Overdue),
		"at_risk_count":        len(report.AtRisk),
		"on_track_count":       report.OnTrack,
		"no_estimate_count":    report.NoEstimate,
	}

	if len(report.Overdue) > 0 {
		type overdue struct {
			OrderID         string  `json:"OrderID"`
			Status          string  `json:"Status"`
			EstDeliveryDate *string `json:"EstDeliveryDate"`
			DaysOverdue     int     `json:"DaysOverdue"`
			ShippingMethod  string  `json:"ShippingMethod,omitempty"`
		}
		details := make([]overdue, 0, maxOverdueListed)
		methods := make(map[string]int)
		for i, o := range report.Overdue {
			if o.ShippingMethod != "" {
				methods[o.ShippingMethod]++
			}
			if i >= maxOverdueListed {
				continue
			}
			details = append(details, overdue{
				OrderID:         o.OrderID,
				Status:          o.Status,
				EstDeliveryDate: dateString(o.EstDelivery),
				DaysOverdue:     -o.DaysUntilDelivery,
				ShippingMethod:  o.ShippingMethod,
			})
		}
		result["overdue_orders"] = details
		if len(methods) > 0 {
			result["shipping_method_issues"] = methods
		}
	}

	if len(report.AtRisk) > 0 {
		type atRisk struct {
			OrderID         string  `json:"OrderID"`
			Status          string  `json:"Status"`
			EstDeliveryDate *string `json:"EstDeliveryDate"`
			DaysRemaining   int     `json:"DaysRemaining"`
		}
		details := make([]atRisk, 0, maxAtRiskListed)
		for _, o := range report.AtRisk[:min(len(report.AtRisk), maxAtRiskListed)] {
			details = append(details, atRisk{
				OrderID:         o.OrderID,
				Status:          o.Status,
				EstDeliveryDate: dateString(o.EstDelivery),
				DaysRemaining:   o.DaysUntilDelivery,
			})
		}
		result["at_risk_orders"] = details
	}

	if report.AvgProcessingDays != nil {
		result["avg_processing_time_days"] = math.Round(*report.AvgProcessingDays*10) / 10
	}

	switch {
	case len(report.Overdue) > 0:
		return fmt.Sprintf("🚨 CRITICAL ALERT: %d orders are overdue!\n%s", len(report.Overdue), indentJSON(result)), nil
	case len(report.AtRisk) > 0:
		return fmt.Sprintf("⚠️ WARNING: %d orders are at risk of delay.\n%s", len(report.AtRisk), indentJSON(result)), nil
	default:
		return "✓ All pending orders are on track.\n" + indentJSON(result), nil
	}
}

func (r *Registry) forecastSupplyChain(_ context.Context, tables *data.TableSet, _ map[string]any) (string, error) {
	fc := tables.SupplyChainForecast(r.opts.Now())
	if len(fc.Rows) == 0 {
		return "No product data available for forecasting.", nil
	}

	type row struct {
		ProductID         string  `json:"ProductID"`
		Name              string  `json:"Name,omitempty"`
		StockLevel        float64 `json:"StockLevel"`
		DailyBurnRate     float64 `json:"DailyBurnRate"`
		DaysUntilStockout float64 `json:"DaysUntilStockout"`
		RiskLevel         string  `json:"RiskLevel"`
	}
	rows := make([]row, 0, len(fc.Rows))
	risk := make(map[string]int)
	for _, fr := range fc.Rows {
		risk[fr.RiskLevel]++
		rows = append(rows, row{
			ProductID:         fr.ProductID,
			Name:              fr.Name,
			StockLevel:        fr.StockLevel,
			DailyBurnRate:     math.Round(fr.DailyBurnRate*100) / 100,
			DaysUntilStockout: math.Round(fr.DaysUntilStockout*10) / 10,
			RiskLevel:         fr.RiskLevel,
		})
	}
	result := map[string]any{
		"as_of":          fc.AsOf.Format("2006-01-02"),
		"window_start":   fc.WindowStart.Format("2006-01-02"),
		"orders_in_data": fc.OrdersInData,
		"demo_velocity":  fc.DemoVelocity,
		"risk_summary":   risk,
		"products":       rows,
	}

	headline := "📦 SUPPLY CHAIN FORECAST:"
	if n := risk[data.RiskCritical]; n > 0 {
		headline = fmt.Sprintf("🚨 SUPPLY CHAIN ALERT: %d products at CRITICAL stock-out risk.", n)
	}
	if fc.DemoVelocity {
		headline += fmt.Sprintf("\nNote: only %d dated orders on record (need %d), so burn rates are placeholder demo values, not measured demand.",
			fc.OrdersInData, data.MinForecastOrders)
	}
	return headline + "\n" + indentJSON(result), nil
}
