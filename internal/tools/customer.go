package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"abi-agent/internal/data"
)

func (r *Registry) getMyOrders(_ context.Context, tables *data.TableSet, args map[string]any) (string, error) {
	customerID := data.NormalizeCustomerID(stringArg(args, "customer_id"))
	if customerID == "" {
		return "", errors.New("customer_id is required")
	}
	orders := tables.OrdersForCustomer(customerID)
	if len(orders) == 0 {
		return fmt.Sprintf("No orders found for customer %s.", customerID), nil
	}

	now := r.opts.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "Orders for customer %s (%d):", customerID, len(orders))
	for _, o := range orders {
		product := "Unknown product"
		if o.Product != nil && o.Product.Name != "" {
			product = o.Product.Name
		}
		est := "n/a"
		if o.EstDelivery != nil {
			est = o.EstDelivery.Format("2006-01-02")
		}
		fmt.Fprintf(&b, "\n- %s | %s | Status: %s | Est. delivery: %s | %s",
			o.OrderID, product, o.Status, est, deliveryNote(o.Order, now))
	}
	return b.String(), nil
}

// deliveryNote is the delay annotation shown next to each order.
func deliveryNote(o data.Order, now time.Time) string {
	if data.IsClosed(o.Status) {
		return o.Status
	}
	if o.EstDelivery == nil {
		return "No delivery estimate"
	}
	days := data.DaysUntil(*o.EstDelivery, now)
	switch {
	case days < 0:
		return fmt.Sprintf("DELAYED by %d days", -days)
	case days == 0:
		return "Due today"
	default:
		return fmt.Sprintf("On track, %d days remaining", days)
	}
}
