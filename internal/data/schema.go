package data

import (
	"fmt"
	"strings"

	"abi-agent/internal/docstore"
)

// Kind selects the coercion applied to a mapped field.
type Kind int

const (
	KindString Kind = iota
	// KindCustomerID is trimmed and upper-cased so lookups are case-insensitive.
	KindCustomerID
	KindNumber
	KindDate
)

// Field declares one canonical column and the external names it may arrive under.
type Field struct {
	Name     string
	Aliases  []string
	Kind     Kind
	Required bool
}

// Schema is the declarative mapping for one collection.
type Schema struct {
	Collection string
	Fields     []Field

	lookup map[string]int
}

func newSchema(collection string, fields ...Field) Schema {
	s := Schema{Collection: collection, Fields: fields, lookup: make(map[string]int)}
	for i, f := range fields {
		s.lookup[normalizeKey(f.Name)] = i
		for _, alias := range f.Aliases {
			s.lookup[normalizeKey(alias)] = i
		}
	}
	return s
}

var (
	CustomersSchema = newSchema(docstore.CollectionCustomers,
		Field{Name: "customer_id", Aliases: []string{"CustomerID", "cust_id"}, Kind: KindCustomerID, Required: true},
		Field{Name: "name", Aliases: []string{"Name", "customer_name", "full_name"}},
		Field{Name: "email", Aliases: []string{"Email", "email_address", "e-mail"}},
		Field{Name: "region", Aliases: []string{"Region", "area", "territory"}},
	)

	OrdersSchema = newSchema(docstore.CollectionOrders,
		Field{Name: "order_id", Aliases: []string{"OrderID", "order_no", "order_number"}, Required: true},
		Field{Name: "customer_id", Aliases: []string{"CustomerID", "cust_id"}, Kind: KindCustomerID, Required: true},
		Field{Name: "product_id", Aliases: []string{"ProductID", "sku", "item_id"}},
		Field{Name: "status", Aliases: []string{"Status", "order_status"}, Required: true},
		Field{Name: "order_date", Aliases: []string{"OrderDate", "ordered_at", "created_at"}, Kind: KindDate},
		Field{Name: "est_delivery", Aliases: []string{"EstDeliveryDate", "est_delivery_date", "estimated_delivery", "eta"}, Kind: KindDate},
		Field{Name: "ship_date", Aliases: []string{"ShipDate", "shipped_at"}, Kind: KindDate},
		Field{Name: "shipping_method", Aliases: []string{"ShippingMethod", "carrier"}},
		Field{Name: "quantity", Aliases: []string{"Quantity", "qty", "units"}, Kind: KindNumber},
	)

	ProductsSchema = newSchema(docstore.CollectionProducts,
		Field{Name: "product_id", Aliases: []string{"ProductID", "sku", "item_id"}, Required: true},
		Field{Name: "name", Aliases: []string{"Name", "product_name", "title"}},
		Field{Name: "category", Aliases: []string{"Category", "product_category"}},
		Field{Name: "price", Aliases: []string{"Price", "unit_price"}, Kind: KindNumber},
		Field{Name: "stock_level", Aliases: []string{"StockLevel", "stock", "inventory", "quantity_in_stock"}, Kind: KindNumber},
	)

	RevenueSchema = newSchema(docstore.CollectionRevenue,
		Field{Name: "revenue_id", Aliases: []string{"RevenueID", "transaction_id", "txn_id"}},
		Field{Name: "order_id", Aliases: []string{"OrderID"}},
		Field{Name: "amount", Aliases: []string{"Amount", "revenue", "total"}, Kind: KindNumber, Required: true},
		Field{Name: "date", Aliases: []string{"Date", "revenue_date", "payment_date", "paid_at"}, Kind: KindDate},
		Field{Name: "payment_method", Aliases: []string{"PaymentMethod", "method"}},
	)
)

// normalizeKey folds case and drops spaces, underscores and hyphens, so
// "Order ID", "order_id" and "OrderID" all compare equal.
func normalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(strings.TrimSpace(key)) {
		switch r {
		case ' ', '_', '-':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// record holds one document after alias mapping and coercion, keyed by canonical name.
type record map[string]any

// mapDocs converts raw documents into canonical records. A required field that no
// document in the collection carries is a hard failure naming the field.
func (s Schema) mapDocs(docs []docstore.Document) ([]record, error) {
	seen := make([]bool, len(s.Fields))
	records := make([]record, 0, len(docs))
	for _, doc := range docs {
		rec := make(record, len(s.Fields))
		for key, raw := range doc {
			idx, ok := s.lookup[normalizeKey(key)]
			if !ok {
				continue
			}
			field := s.Fields[idx]
			seen[idx] = true
			if _, dup := rec[field.Name]; dup && normalizeKey(key) != normalizeKey(field.Name) {
				continue
			}
			if v, ok := coerce(field.Kind, raw); ok {
				rec[field.Name] = v
			}
		}
		records = append(records, rec)
	}

	var missing []string
	for i, f := range s.Fields {
		if f.Required && !seen[i] {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required field(s) %s not found under any known alias", strings.Join(missing, ", "))
	}
	return records, nil
}
