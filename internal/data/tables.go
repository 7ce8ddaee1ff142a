package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"abi-agent/internal/docstore"
)

// ErrEmptyCollection reports a collection that returned no documents.
var ErrEmptyCollection = errors.New("collection is empty or does not exist")

type Customer struct {
	CustomerID string
	Name       string
	Email      string
	Region     string
}

type Order struct {
	OrderID        string
	CustomerID     string
	ProductID      string
	Status         string
	OrderDate      *time.Time
	EstDelivery    *time.Time
	ShipDate       *time.Time
	ShippingMethod string
	Quantity       *float64
}

type Product struct {
	ProductID  string
	Name       string
	Category   string
	Price      *float64
	StockLevel *float64
}

type Revenue struct {
	RevenueID     string
	OrderID       string
	Amount        *float64
	Date          *time.Time
	PaymentMethod string
}

// TableSet is one consistent snapshot of the four domain tables.
type TableSet struct {
	Customers []Customer
	Orders    []Order
	Products  []Product
	Revenue   []Revenue
	LoadedAt  time.Time
}

// CollectionError describes why one collection could not be loaded.
type CollectionError struct {
	Collection string
	Err        error
}

func (e CollectionError) Error() string {
	return fmt.Sprintf("%s (%v)", e.Collection, e.Err)
}

// LoadError aggregates every collection that failed during LoadAll.
type LoadError struct {
	Problems []CollectionError
}

func (e *LoadError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Error())
	}
	return "Data Load Error: " + strings.Join(parts, "; ")
}

// Unwrap exposes the underlying collection errors to errors.Is.
func (e *LoadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Problems))
	for _, p := range e.Problems {
		errs = append(errs, p.Err)
	}
	return errs
}

// Loader reads the domain tables from a document store. Nothing is cached:
// every call fetches fresh data.
type Loader struct {
	store  docstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLoader builds a Loader over store.
func NewLoader(store docstore.Store, logger *slog.Logger) *Loader {
	return &Loader{
		store:  store,
		logger: logger.With("component", "data"),
		now:    time.Now,
	}
}

// LoadAll fetches and normalises all four tables. It is all-or-nothing: any
// failing collection yields a *LoadError and no partial data.
func (l *Loader) LoadAll(ctx context.Context) (*TableSet, error) {
	schemas := []Schema{CustomersSchema, OrdersSchema, ProductsSchema, RevenueSchema}
	mapped := make(map[string][]record, len(schemas))
	var problems []CollectionError

	for _, schema := range schemas {
		docs, err := l.store.FetchAll(ctx, schema.Collection)
		if err != nil {
			problems = append(problems, CollectionError{Collection: schema.Collection, Err: err})
			continue
		}
		if len(docs) == 0 {
			problems = append(problems, CollectionError{Collection: schema.Collection, Err: ErrEmptyCollection})
			continue
		}
		records, err := schema.mapDocs(docs)
		if err != nil {
			problems = append(problems, CollectionError{Collection: schema.Collection, Err: err})
			continue
		}
		mapped[schema.Collection] = records
	}

	if len(problems) > 0 {
		loadErr := &LoadError{Problems: problems}
		l.logger.Warn("table load failed", "error", loadErr)
		return nil, loadErr
	}

	ts := &TableSet{LoadedAt: l.now()}
	for _, r := range mapped[docstore.CollectionCustomers] {
		ts.Customers = append(ts.Customers, Customer{
			CustomerID: r.str("customer_id"),
			Name:       r.str("name"),
			Email:      r.str("email"),
			Region:     r.str("region"),
		})
	}
	for _, r := range mapped[docstore.CollectionOrders] {
		ts.Orders = append(ts.Orders, Order{
			OrderID:        r.str("order_id"),
			CustomerID:     r.str("customer_id"),
			ProductID:      r.str("product_id"),
			Status:         r.str("status"),
			OrderDate:      r.date("order_date"),
			EstDelivery:    r.date("est_delivery"),
			ShipDate:       r.date("ship_date"),
			ShippingMethod: r.str("shipping_method"),
			Quantity:       r.num("quantity"),
		})
	}
	for _, r := range mapped[docstore.CollectionProducts] {
		ts.Products = append(ts.Products, Product{
			ProductID:  r.str("product_id"),
			Name:       r.str("name"),
			Category:   r.str("category"),
			Price:      r.num("price"),
			StockLevel: r.num("stock_level"),
		})
	}
	for i, r := range mapped[docstore.CollectionRevenue] {
		id := r.str("revenue_id")
		if id == "" {
			id = fmt.Sprintf("REV-%d", i+1)
		}
		ts.Revenue = append(ts.Revenue, Revenue{
			RevenueID:     id,
			OrderID:       r.str("order_id"),
			Amount:        r.num("amount"),
			Date:          r.date("date"),
			PaymentMethod: r.str("payment_method"),
		})
	}

	l.logger.Debug("tables loaded",
		"customers", len(ts.Customers),
		"orders", len(ts.Orders),
		"products", len(ts.Products),
		"revenue", len(ts.Revenue),
	)
	return ts, nil
}

func (r record) str(name string) string {
	s, _ := r[name].(string)
	return s
}

func (r record) num(name string) *float64 {
	f, ok := r[name].(float64)
	if !ok {
		return nil
	}
	return &f
}

func (r record) date(name string) *time.Time {
	t, ok := r[name].(time.Time)
	if !ok {
		return nil
	}
	return &t
}

// IsClosed reports whether status is terminal (Delivered or Cancelled).
func IsClosed(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "delivered", "cancelled", "canceled":
		return true
	}
	return false
}
