package email

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/models"
)

// OrderInfo is the data every order template renders from.
type OrderInfo struct {
	OrderNumber     string
	CustomerName    string
	CustomerEmail   string
	ShopName        string
	ShopURL         string
	Status          string
	StatusNote      string
	ShippingAddress string
	OrderDate       string
	Items           []OrderItem
	Subtotal        string
	Discount        string
	CouponCode      string
	Shipping        string
	Tax             string
	Total           string
	Refunded        bool
}

type OrderItem struct {
	Name       string
	Quantity   int
	UnitPrice  string
	TotalPrice string
}

type Shop struct {
	Name string
	URL  string
}

// NewOrderInfo flattens an order into display strings. Amounts are
// prefixed with the order currency.
func NewOrderInfo(order *models.Order, shop Shop) *OrderInfo {
	money := func(v decimal.Decimal) string {
		return order.Currency + " " + v.StringFixed(2)
	}

	info := &OrderInfo{
		OrderNumber:     order.OrderNumber,
		CustomerName:    order.ShippingAddress.Name,
		CustomerEmail:   order.CustomerEmail,
		ShopName:        shop.Name,
		ShopURL:         shop.URL,
		Status:          string(order.Status),
		ShippingAddress: formatAddress(order.ShippingAddress),
		OrderDate:       order.CreatedAt.Format("January 2, 2006"),
		Subtotal:        money(order.Subtotal),
		Shipping:        money(order.Shipping),
		Tax:             money(order.Tax),
		Total:           money(order.Total),
		CouponCode:      order.CouponCode,
		Refunded:        order.PaymentStatus == models.PaymentRefunded,
	}
	if !order.Discount.IsZero() {
		info.Discount = money(order.Discount)
	}
	if n := len(order.Events); n > 0 {
		info.StatusNote = order.Events[n-1].Description
	}
	for _, item := range order.Items {
		info.Items = append(info.Items, OrderItem{
			Name:       item.ProductName,
			Quantity:   item.Quantity,
			UnitPrice:  money(item.UnitPrice),
			TotalPrice: money(item.Subtotal),
		})
	}
	return info
}

func formatAddress(addr models.Address) string {
	parts := []string{addr.Name, addr.Line1}
	if addr.Line2 != "" {
		parts = append(parts, addr.Line2)
	}
	parts = append(parts, fmt.Sprintf("%s, %s %s", addr.City, addr.State, addr.PostalCode), addr.Country)
	return strings.Join(parts, "\n")
}

type Template struct {
	Subject string
	HTML    string
	Text    string
}

const (
	TemplateOrderConfirmation = "order_confirmation"
	TemplateOrderShipped      = "order_shipped"
	TemplateOrderDelivered    = "order_delivered"
	TemplateOrderCancelled    = "order_cancelled"
)

// TemplateFor maps an order status to the template announcing it.
func TemplateFor(status models.OrderStatus) (string, bool) {
	switch status {
	case models.StatusConfirmed:
		return TemplateOrderConfirmation, true
	case models.StatusShipped:
		return TemplateOrderShipped, true
	case models.StatusDelivered:
		return TemplateOrderDelivered, true
	case models.StatusCancelled:
		return TemplateOrderCancelled, true
	default:
		return "", false
	}
}

// Renderer holds the parsed built-in templates. HTML bodies go through
// html/template so customer-supplied fields are escaped.
type Renderer struct {
	subjects *texttemplate.Template
	texts    *texttemplate.Template
	htmls    *htmltemplate.Template
}

func NewRenderer() (*Renderer, error) {
	templates := map[string]Template{
		TemplateOrderConfirmation: {
			Subject: "Order confirmed - {{.OrderNumber}}{{if .ShopName}} - {{.ShopName}}{{end}}",
			HTML:    orderConfirmationHTML,
			Text:    orderConfirmationText,
		},
		TemplateOrderShipped: {
			Subject: "Your order has shipped - {{.OrderNumber}}",
			HTML:    orderShippedHTML,
			Text:    orderShippedText,
		},
		TemplateOrderDelivered: {
			Subject: "Your order has been delivered - {{.OrderNumber}}",
			HTML:    orderDeliveredHTML,
			Text:    orderDeliveredText,
		},
		TemplateOrderCancelled: {
			Subject: "Your order was cancelled - {{.OrderNumber}}",
			HTML:    orderCancelledHTML,
			Text:    orderCancelledText,
		},
	}

	r := &Renderer{
		subjects: texttemplate.New("subjects"),
		texts:    texttemplate.New("texts"),
		htmls:    htmltemplate.New("htmls"),
	}
	for name, t := range templates {
		if _, err := r.subjects.New(name).Parse(t.Subject); err != nil {
			return nil, fmt.Errorf("failed to parse subject template %s: %w", name, err)
		}
		if _, err := r.texts.New(name).Parse(t.Text); err != nil {
			return nil, fmt.Errorf("failed to parse text template %s: %w", name, err)
		}
		if _, err := r.htmls.New(name).Parse(t.HTML); err != nil {
			return nil, fmt.Errorf("failed to parse HTML template %s: %w", name, err)
		}
	}
	return r, nil
}

func (r *Renderer) Render(_ context.Context, templateName string, data *OrderInfo) (*Email, error) {
	if data == nil {
		return nil, fmt.Errorf("order info is required")
	}

	var subject, text, html bytes.Buffer
	if err := r.subjects.ExecuteTemplate(&subject, templateName, data); err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	if err := r.texts.ExecuteTemplate(&text, templateName, data); err != nil {
		return nil, fmt.Errorf("failed to render text template: %w", err)
	}
	if err := r.htmls.ExecuteTemplate(&html, templateName, data); err != nil {
		return nil, fmt.Errorf("failed to render HTML template: %w", err)
	}

	return &Email{
		To:        data.CustomerEmail,
		Subject:   subject.String(),
		Text:      text.String(),
		HTML:      html.String(),
		Category:  templateName,
		Reference: data.OrderNumber,
	}, nil
}

// SendOrderUpdate renders the template for the order's status and sends it.
// Orders without an email or in a status nobody is told about are skipped.
func SendOrderUpdate(ctx context.Context, p Provider, r *Renderer, order *models.Order, shop Shop) (bool, error) {
	if p == nil || r == nil || order == nil || order.CustomerEmail == "" {
		return false, nil
	}
	name, ok := TemplateFor(order.Status)
	if !ok {
		return false, nil
	}

	msg, err := r.Render(ctx, name, NewOrderInfo(order, shop))
	if err != nil {
		return false, err
	}
	if err := p.SendEmail(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

const orderConfirmationText = `Thank you for your order, {{.CustomerName}}!

Order Number: {{.OrderNumber}}
Order Date: {{.OrderDate}}

Items:
{{range .Items}}- {{.Name}} x{{.Quantity}} - {{.TotalPrice}}
{{end}}
Subtotal: {{.Subtotal}}
{{if .Discount}}Discount{{if .CouponCode}} ({{.CouponCode}}){{end}}: -{{.Discount}}
{{end}}Shipping: {{.Shipping}}
Tax: {{.Tax}}
Total: {{.Total}}

We'll email you again when your order ships.
{{if .ShopURL}}
{{.ShopURL}}{{end}}
`

const orderConfirmationHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Order confirmed</title></head>
<body style="font-family: sans-serif; color: #1f2937; max-width: 600px; margin: 0 auto;">
  <h1 style="color: #2563eb;">Order confirmed</h1>
  <p>Thank you for your order, {{.CustomerName}}.</p>
  <p><strong>Order Number:</strong> {{.OrderNumber}}<br><strong>Order Date:</strong> {{.OrderDate}}</p>
  <table style="width: 100%; border-collapse: collapse;">
    <thead><tr><th align="left">Item</th><th>Qty</th><th align="right">Price</th></tr></thead>
    <tbody>
    {{range .Items}}<tr><td>{{.Name}}</td><td align="center">{{.Quantity}}</td><td align="right">{{.TotalPrice}}</td></tr>
    {{end}}</tbody>
  </table>
  <p style="text-align: right;">
    Subtotal: {{.Subtotal}}<br>
    {{if .Discount}}Discount{{if .CouponCode}} ({{.CouponCode}}){{end}}: -{{.Discount}}<br>{{end}}
    Shipping: {{.Shipping}}<br>
    Tax: {{.Tax}}<br>
    <strong>Total: {{.Total}}</strong>
  </p>
  <p>We'll email you again when your order ships.</p>
  {{if .ShopURL}}<p><a href="{{.ShopURL}}">{{if .ShopName}}{{.ShopName}}{{else}}{{.ShopURL}}{{end}}</a></p>{{end}}
</body>
</html>
`

const orderShippedText = `Good news, your order {{.OrderNumber}} is on its way.
{{if .StatusNote}}
{{.StatusNote}}
{{end}}
Shipping to:
{{.ShippingAddress}}

We'll let you know when it's delivered.
`

const orderShippedHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Order shipped</title></head>
<body style="font-family: sans-serif; color: #1f2937; max-width: 600px; margin: 0 auto;">
  <h1 style="color: #059669;">Your order has shipped</h1>
  <p>Good news, {{.CustomerName}}. Order {{.OrderNumber}} is on its way.</p>
  {{if .StatusNote}}<p>{{.StatusNote}}</p>{{end}}
  <h3>Shipping to</h3>
  <p style="white-space: pre-line;">{{.ShippingAddress}}</p>
</body>
</html>
`

const orderDeliveredText = `Your order {{.OrderNumber}} has been delivered to:
{{.ShippingAddress}}

We hope you enjoy your purchase.
`

const orderDeliveredHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Order delivered</title></head>
<body style="font-family: sans-serif; color: #1f2937; max-width: 600px; margin: 0 auto;">
  <h1 style="color: #7c3aed;">Delivered</h1>
  <p>Order {{.OrderNumber}} has arrived, {{.CustomerName}}.</p>
  <p style="white-space: pre-line;">{{.ShippingAddress}}</p>
</body>
</html>
`

const orderCancelledText = `Your order {{.OrderNumber}} was cancelled.
{{if .StatusNote}}
{{.StatusNote}}
{{end}}{{if .Refunded}}
A refund of {{.Total}} has been issued to your original payment method.
{{end}}`

const orderCancelledHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Order cancelled</title></head>
<body style="font-family: sans-serif; color: #1f2937; max-width: 600px; margin: 0 auto;">
  <h1 style="color: #b91c1c;">Order cancelled</h1>
  <p>Order {{.OrderNumber}} was cancelled.</p>
  {{if .StatusNote}}<p>{{.StatusNote}}</p>{{end}}
  {{if .Refunded}}<p>A refund of {{.Total}} has been issued to your original payment method.</p>{{end}}
</body>
</html>
`
