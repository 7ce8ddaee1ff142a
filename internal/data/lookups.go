package data

import (
	"math"
	"sort"
	"strings"
	"time"
)

// CustomerOrder is an order left-joined with its product; Product is nil
// when the product id does not resolve.
type CustomerOrder struct {
	Order
	Product *Product
}

// NormalizeCustomerID applies the same normalisation as the loader.
func NormalizeCustomerID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// OrdersForCustomer returns the customer's orders in table order, each joined
// with its product.
func (t *TableSet) OrdersForCustomer(customerID string) []CustomerOrder {
	target := NormalizeCustomerID(customerID)
	if target == "" {
		return nil
	}
	products := t.productIndex()
	var out []CustomerOrder
	for _, o := range t.Orders {
		if o.CustomerID != target {
			continue
		}
		co := CustomerOrder{Order: o}
		if p, ok := products[o.ProductID]; ok {
			pc := p
			co.Product = &pc
		}
		out = append(out, co)
	}
	return out
}

// OrderByID finds a single order by id, ignoring case and surrounding space.
func (t *TableSet) OrderByID(orderID string) (CustomerOrder, bool) {
	target := strings.ToUpper(strings.TrimSpace(orderID))
	products := t.productIndex()
	for _, o := range t.Orders {
		if strings.ToUpper(o.OrderID) != target {
			continue
		}
		co := CustomerOrder{Order: o}
		if p, ok := products[o.ProductID]; ok {
			pc := p
			co.Product = &pc
		}
		return co, true
	}
	return CustomerOrder{}, false
}

// OrderIDs returns up to n order ids, for hinting at valid lookups.
func (t *TableSet) OrderIDs(n int) []string {
	var ids []string
	for _, o := range t.Orders {
		if len(ids) >= n {
			break
		}
		ids = append(ids, o.OrderID)
	}
	return ids
}

func (t *TableSet) productIndex() map[string]Product {
	idx := make(map[string]Product, len(t.Products))
	for _, p := range t.Products {
		if _, dup := idx[p.ProductID]; !dup {
			idx[p.ProductID] = p
		}
	}
	return idx
}

// IsDelayed reports whether o is open and past its estimated delivery at asOf.
func IsDelayed(o Order, asOf time.Time) bool {
	if o.EstDelivery == nil || IsClosed(o.Status) {
		return false
	}
	return o.EstDelivery.Before(naive(asOf))
}

// DelayedOrders lists open orders whose estimated delivery is before asOf.
func (t *TableSet) DelayedOrders(asOf time.Time) []Order {
	var out []Order
	for _, o := range t.Orders {
		if IsDelayed(o, asOf) {
			out = append(out, o)
		}
	}
	return out
}

// DaysUntil counts whole days from the start of asOf's day to the order's
// estimated delivery, rounding towards negative infinity.
func DaysUntil(est time.Time, asOf time.Time) int {
	today := StartOfDay(asOf)
	return int(math.Floor(est.Sub(today).Hours() / 24))
}

// OrderDelay is one open order with its distance to the estimated delivery.
type OrderDelay struct {
	Order
	DaysUntilDelivery int
}

// DelayReport buckets open orders relative to the analysis day.
type DelayReport struct {
	AnalysisDate time.Time
	Pending      int
	Overdue      []OrderDelay
	AtRisk       []OrderDelay
	OnTrack      int
	NoEstimate   int
	// AvgProcessingDays is the mean of whole days from order to shipment over
	// pending orders that have both dates; nil when none do.
	AvgProcessingDays *float64
}

// AtRiskWindowDays is how close to its estimate an open order must be to count as at risk.
const AtRiskWindowDays = 2

// BuildDelayReport classifies open orders: overdue when more than minDaysOverdue
// days late, at risk when due within AtRiskWindowDays, otherwise on track.
func (t *TableSet) BuildDelayReport(asOf time.Time, minDaysOverdue int) DelayReport {
	if minDaysOverdue < 0 {
		minDaysOverdue = 0
	}
	report := DelayReport{AnalysisDate: StartOfDay(asOf)}
	var processingTotal float64
	var processingCount int
	for _, o := range t.Orders {
		if IsClosed(o.Status) {
			continue
		}
		report.Pending++
		if o.OrderDate != nil && o.ShipDate != nil {
			processingTotal += math.Floor(o.ShipDate.Sub(*o.OrderDate).Hours() / 24)
			processingCount++
		}
		if o.EstDelivery == nil {
			report.NoEstimate++
			continue
		}
		days := DaysUntil(*o.EstDelivery, asOf)
		switch {
		case days < -minDaysOverdue:
			report.Overdue = append(report.Overdue, OrderDelay{Order: o, DaysUntilDelivery: days})
		case days <= AtRiskWindowDays:
			report.AtRisk = append(report.AtRisk, OrderDelay{Order: o, DaysUntilDelivery: days})
		default:
			report.OnTrack++
		}
	}
	if processingCount > 0 {
		avg := processingTotal / float64(processingCount)
		report.AvgProcessingDays = &avg
	}
	sort.SliceStable(report.Overdue, func(i, j int) bool {
		return report.Overdue[i].DaysUntilDelivery < report.Overdue[j].DaysUntilDelivery
	})
	sort.SliceStable(report.AtRisk, func(i, j int) bool {
		return report.AtRisk[i].DaysUntilDelivery < report.AtRisk[j].DaysUntilDelivery
	})
	return report
}
