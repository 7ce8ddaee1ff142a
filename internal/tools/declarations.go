package tools

import (
	"encoding/json"

	"abi-agent/internal/llm"
)

var getMyOrdersDecl = llm.Tool{
	Name:        "get_my_orders",
	Description: "Lists the signed-in customer's orders with product, status, estimated delivery and whether each order is delayed.",
	Parameters: json.RawMessage(`{
  "type": "OBJECT",
  "properties": {
    "customer_id": {"type": "STRING", "description": "The customer's id, for example CUST_001."}
  },
  "required": ["customer_id"]
}`),
}

var getOrderStatusDecl = llm.Tool{
	Name:        "get_order_status",
	Description: "Returns the full record of a single order: status, dates, shipping method and delay status. Use this for questions about one specific order id.",
	Parameters: json.RawMessage(`{
  "type": "OBJECT",
  "properties": {
    "order_id": {"type": "STRING", "description": "The order id, for example ORD1001."}
  },
  "required": ["order_id"]
}`),
}

var queryBusinessDataDecl = llm.Tool{
	Name: "query_business_data",
	Description: `Runs a Lua query over the tables customers, orders, products and revenue (arrays of rows keyed by field name; dates are YYYY-MM-DD strings and the global today holds the current date).
Available functions: count(rows), sum/avg/min/max(rows, field), where(rows, field, op, value) with op one of == ~= < <= > >= contains in, pick(rows, {fields}), sort_by(rows, field, desc), head(rows, n), group_by(rows, key, agg, field) with agg one of count sum avg min max, join(left, right, field), distinct(rows, field), round(x, digits).
The final answer MUST be assigned to the global variable result.`,
	Parameters: json.RawMessage(`{
  "type": "OBJECT",
  "properties": {
    "code": {"type": "STRING", "description": "Lua source that assigns its answer to result."}
  },
  "required": ["code"]
}`),
}

var checkRevenueAnomaliesDecl = llm.Tool{
	Name:        "check_revenue_anomalies",
	Description: "Scores every revenue amount with an isolation forest and reports the transactions that stand out as outliers.",
}

var checkCriticalDelaysDecl = llm.Tool{
	Name:        "check_critical_delays",
	Description: "Reports open orders that are overdue or at risk of missing their estimated delivery date.",
	Parameters: json.RawMessage(`{
  "type": "OBJECT",
  "properties": {
    "days_overdue": {"type": "INTEGER", "description": "Only flag orders more than this many days late. 0 flags any overdue order."}
  }
}`),
}

var forecastSupplyChainDecl = llm.Tool{
	Name:        "forecast_supply_chain",
	Description: "Projects days until stock-out for each product from the last 30 days of orders and assigns a risk level.",
}
