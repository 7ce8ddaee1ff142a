package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"abi-agent/internal/data"
	"abi-agent/internal/docstore"
	"abi-agent/internal/query"

	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededStore() *docstore.Memory {
	store := docstore.NewMemory()
	store.Seed(docstore.CollectionCustomers,
		docstore.Document{"CustomerID": "CUST_001", "Name": "Alice"},
		docstore.Document{"CustomerID": "CUST_002", "Name": "Bob"},
	)
	store.Seed(docstore.CollectionOrders,
		docstore.Document{"OrderID": "ORD1001", "CustomerID": "CUST_001", "ProductID": "P1", "Status": "Shipped", "OrderDate": "2024-06-01", "ShipDate": "2024-06-03", "EstDeliveryDate": "2024-06-10", "ShippingMethod": "Ground"},
		docstore.Document{"OrderID": "ORD1002", "CustomerID": "CUST_001", "ProductID": "P2", "Status": "Pending", "OrderDate": "2024-06-12", "EstDeliveryDate": "2024-06-20"},
		docstore.Document{"OrderID": "ORD1003", "CustomerID": "CUST_002", "ProductID": "P2", "Status": "Delivered", "EstDeliveryDate": "2024-06-01"},
		docstore.Document{"OrderID": "ORD1004", "CustomerID": "CUST_002", "ProductID": "P1", "Status": "Pending", "EstDeliveryDate": "2024-06-16"},
	)
	store.Seed(docstore.CollectionProducts,
		docstore.Document{"ProductID": "P1", "Name": "Wireless Mouse", "StockLevel": 20},
		docstore.Document{"ProductID": "P2", "Name": "Keyboard", "StockLevel": 100},
	)
	store.Seed(docstore.CollectionRevenue,
		docstore.Document{"RevenueID": "R1", "OrderID": "ORD1001", "Amount": 25.0, "Date": "2024-06-01"},
		docstore.Document{"RevenueID": "R2", "OrderID": "ORD1002", "Amount": 49.5, "Date": "2024-06-12"},
		docstore.Document{"RevenueID": "R3", "OrderID": "ORD1003", "Amount": 49.5, "Date": "2024-06-02"},
		docstore.Document{"RevenueID": "R4", "OrderID": "ORD1004", "Amount": 25.0, "Date": "2024-06-14"},
	)
	return store
}

func newRegistry(store docstore.Store) *Registry {
	logger := discardLogger()
	return NewRegistry(
		data.NewLoader(store, logger),
		query.New(query.Config{}, logger),
		Options{Now: func() time.Time { return now }},
		logger,
		nil,
	)
}

func TestGetMyOrdersFlagsOnlyTheOverdueOrder(t *testing.T) {
	reg := newRegistry(seededStore())
	out, err := reg.Dispatch(context.Background(), PersonaCustomer, "CUST_001", "get_my_orders", map[string]any{"customer_id": "CUST_001"})
	require.NoError(t, err)

	require.Contains(t, out, "ORD1001")
	require.Contains(t, out, "ORD1002")
	require.Equal(t, 1, strings.Count(out, "DELAYED"))
	require.Contains(t, out, "ORD1001 | Wireless Mouse | Status: Shipped | Est. delivery: 2024-06-10 | DELAYED by 5 days")
	require.Contains(t, out, "On track, 5 days remaining")
}

func TestCustomerToolIsBoundToSessionIdentity(t *testing.T) {
	reg := newRegistry(seededStore())
	out, err := reg.Dispatch(context.Background(), PersonaCustomer, "CUST_001", "get_my_orders", map[string]any{"customer_id": "CUST_002"})
	require.NoError(t, err)
	require.Contains(t, out, "CUST_001")
	require.NotContains(t, out, "ORD1003")
	require.NotContains(t, out, "ORD1004")
}

func TestDispatchLeavesCallerArgsUntouched(t *testing.T) {
	reg := newRegistry(seededStore())
	args := map[string]any{"customer_id": "CUST_002"}
	out, err := reg.Dispatch(context.Background(), PersonaCustomer, "CUST_001", "get_my_orders", args)
	require.NoError(t, err)
	require.Contains(t, out, "CUST_001")
	require.Equal(t, map[string]any{"customer_id": "CUST_002"}, args)
}

func TestPersonaToolSetsAreDisjoint(t *testing.T) {
	reg := newRegistry(seededStore())
	customer := map[string]bool{}
	for _, decl := range reg.ForPersona(PersonaCustomer) {
		customer[decl.Name] = true
	}
	require.Equal(t, map[string]bool{"get_my_orders": true}, customer)
	for _, decl := range reg.ForPersona(PersonaBusiness) {
		if customer[decl.Name] {
			t.Fatalf("tool %s offered to both personas", decl.Name)
		}
	}

	_, err := reg.Dispatch(context.Background(), PersonaCustomer, "CUST_001", "query_business_data", map[string]any{"code": "result = 1"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestLoadFailureShortCircuitsTools(t *testing.T) {
	reg := newRegistry(docstore.NewMemory())
	out, err := reg.Dispatch(context.Background(), PersonaBusiness, "", "check_critical_delays", nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Data Load Error: "), out)
}

func TestQueryWithoutResultVariable(t *testing.T) {
	reg := newRegistry(seededStore())
	out, err := reg.Dispatch(context.Background(), PersonaBusiness, "", "query_business_data", map[string]any{"code": `local n = count(orders)`})
	require.NoError(t, err)
	require.Equal(t, NoResultMessage, out)
}

func TestQueryRunsScript(t *testing.T) {
	reg := newRegistry(seededStore())
	out, err := reg.Dispatch(context.Background(), PersonaBusiness, "", "query_business_data", map[string]any{"code": `result = sum(revenue, "amount")`})
	require.NoError(t, err)
	require.Equal(t, "149", out)
}

func TestQueryScriptErrorIsReturned(t *testing.T) {
	reg := newRegistry(seededStore())
	_, err := reg.Dispatch(context.Background(), PersonaBusiness, "", "query_business_data", map[string]any{"code": `result = nosuchfn()`})
	require.Error(t, err)
}

func TestAnomalyCheckWithFourRowsIsInsufficient(t *testing.T) {
	reg := newRegistry(seededStore())
	out, err := reg.Dispatch(context.Background(), PersonaBusiness, "", "check_revenue_anomalies", nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Insufficient data"), out)
	require.NotContains(t, out, "ANOMALIES DETECTED")
}

func TestCriticalDelays(t *testing.T) {
	reg := newRegistry(seededStore())
	out, err := reg.Dispatch(context.Background(), PersonaBusiness, "", "check_critical_delays", map[string]any{"days_overdue": float64(0)})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "🚨 CRITICAL ALERT: 1 orders are overdue!"), out)
	require.Contains(t, out, `"DaysOverdue": 5`)
	require.Contains(t, out, `"Ground": 1`)
	require.Contains(t, out, `"avg_processing_time_days": 2`)

	out, err = reg.Dispatch(context.Background(), PersonaBusiness, "", "check_critical_delays", map[string]any{"days_overdue": float64(10)})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "⚠️ WARNING: 2 orders are at risk of delay."), out)
}

func TestOrderStatusLookup(t *testing.T) {
	reg := newRegistry(seededStore())
	out, err := reg.Dispatch(context.Background(), PersonaBusiness, "", "get_order_status", map[string]any{"order_id": " ord1001 "})
	require.NoError(t, err)
	require.Contains(t, out, `"DelayStatus": "OVERDUE by 5 days"`)
	require.Contains(t, out, `"ProcessingTime_Days": 2`)

	out, err = reg.Dispatch(context.Background(), PersonaBusiness, "", "get_order_status", map[string]any{"order_id": "ORD9999"})
	require.NoError(t, err)
	require.Contains(t, out, "Order ID ORD9999 not found.")
	require.Contains(t, out, "ORD1001")
}

func TestForecastFlagsDemoVelocity(t *testing.T) {
	reg := newRegistry(seededStore())
	out, err := reg.Dispatch(context.Background(), PersonaBusiness, "", "forecast_supply_chain", nil)
	require.NoError(t, err)
	require.Contains(t, out, "placeholder demo values")
	require.Contains(t, out, `"demo_velocity": true`)
}

func TestAuditReportsBothChecks(t *testing.T) {
	reg := newRegistry(seededStore())
	revenue, delays := reg.Audit(context.Background())
	require.True(t, strings.HasPrefix(revenue, "Insufficient data"), revenue)
	require.True(t, strings.HasPrefix(delays, "🚨 CRITICAL ALERT"), delays)
}

func TestParsePersona(t *testing.T) {
	p, ok := ParsePersona(" Business ")
	require.True(t, ok)
	require.Equal(t, PersonaBusiness, p)
	_, ok = ParsePersona("admin")
	require.False(t, ok)
}
