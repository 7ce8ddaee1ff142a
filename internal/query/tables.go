package query

import (
	"time"

	"abi-agent/internal/data"

	lua "github.com/yuin/gopher-lua"
)

const dateLayout = "2006-01-02"

func bindTables(L *lua.LState, tables *data.TableSet) {
	if tables == nil {
		tables = &data.TableSet{}
	}

	customers := L.CreateTable(len(tables.Customers), 0)
	for _, c := range tables.Customers {
		row := L.CreateTable(0, 4)
		setString(row, "customer_id", c.CustomerID)
		setString(row, "name", c.Name)
		setString(row, "email", c.Email)
		setString(row, "region", c.Region)
		customers.Append(row)
	}

	orders := L.CreateTable(len(tables.Orders), 0)
	for _, o := range tables.Orders {
		row := L.CreateTable(0, 9)
		setString(row, "order_id", o.OrderID)
		setString(row, "customer_id", o.CustomerID)
		setString(row, "product_id", o.ProductID)
		setString(row, "status", o.Status)
		setDate(row, "order_date", o.OrderDate)
		setDate(row, "est_delivery", o.EstDelivery)
		setDate(row, "ship_date", o.ShipDate)
		setString(row, "shipping_method", o.ShippingMethod)
		setNumber(row, "quantity", o.Quantity)
		orders.Append(row)
	}

	products := L.CreateTable(len(tables.Products), 0)
	for _, p := range tables.Products {
		row := L.CreateTable(0, 5)
		setString(row, "product_id", p.ProductID)
		setString(row, "name", p.Name)
		setString(row, "category", p.Category)
		setNumber(row, "price", p.Price)
		setNumber(row, "stock_level", p.StockLevel)
		products.Append(row)
	}

	revenue := L.CreateTable(len(tables.Revenue), 0)
	for _, r := range tables.Revenue {
		row := L.CreateTable(0, 5)
		setString(row, "revenue_id", r.RevenueID)
		setString(row, "order_id", r.OrderID)
		setNumber(row, "amount", r.Amount)
		setDate(row, "date", r.Date)
		setString(row, "payment_method", r.PaymentMethod)
		revenue.Append(row)
	}

	L.SetGlobal("customers", customers)
	L.SetGlobal("orders", orders)
	L.SetGlobal("products", products)
	L.SetGlobal("revenue", revenue)
	now := tables.LoadedAt
	if now.IsZero() {
		now = time.Now()
	}
	L.SetGlobal("today", lua.LString(data.Naive(now).Format(dateLayout)))
}

func setString(row *lua.LTable, key, value string) {
	if value != "" {
		row.RawSetString(key, lua.LString(value))
	}
}

func setNumber(row *lua.LTable, key string, value *float64) {
	if value != nil {
		row.RawSetString(key, lua.LNumber(*value))
	}
}

func setDate(row *lua.LTable, key string, value *time.Time) {
	if value != nil {
		row.RawSetString(key, lua.LString(value.Format(dateLayout)))
	}
}
