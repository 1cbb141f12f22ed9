package email

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/models"
)

func testOrder(status models.OrderStatus) *models.Order {
	return &models.Order{
		ID:            uuid.New(),
		OrderNumber:   "ORD-20261015-0007",
		CustomerEmail: "buyer@example.com",
		Status:        status,
		PaymentStatus: models.PaymentPaid,
		Currency:      "INR",
		ShippingAddress: models.Address{
			Name: "<b>Asha</b>", Line1: "12 MG Road", City: "Pune", State: "MH", PostalCode: "411001", Country: "IN",
		},
		Subtotal:   decimal.NewFromInt(2000),
		Discount:   decimal.NewFromInt(500),
		CouponCode: "FLAT500",
		Tax:        decimal.NewFromInt(270),
		Shipping:   decimal.NewFromInt(250),
		Total:      decimal.NewFromInt(2020),
		Items: []models.OrderItem{{
			ProductName: "Brass Lamp", Quantity: 2,
			UnitPrice: decimal.NewFromInt(1000), Subtotal: decimal.NewFromInt(2000),
		}},
	}
}

func TestRenderTemplates(t *testing.T) {
	t.Parallel()

	renderer, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}

	tests := []struct {
		status      models.OrderStatus
		wantSubject string
		wantText    string
	}{
		{models.StatusConfirmed, "Order confirmed - ORD-20261015-0007", "Discount (FLAT500): -INR 500.00"},
		{models.StatusShipped, "Your order has shipped", "12 MG Road"},
		{models.StatusDelivered, "delivered - ORD-20261015-0007", "has been delivered"},
		{models.StatusCancelled, "cancelled - ORD-20261015-0007", "was cancelled"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()

			name, ok := TemplateFor(tt.status)
			if !ok {
				t.Fatalf("no template for %s", tt.status)
			}
			msg, err := renderer.Render(context.Background(), name, NewOrderInfo(testOrder(tt.status), Shop{}))
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if !strings.Contains(msg.Subject, tt.wantSubject) {
				t.Fatalf("subject %q missing %q", msg.Subject, tt.wantSubject)
			}
			if !strings.Contains(msg.Text, tt.wantText) {
				t.Fatalf("text missing %q:\n%s", tt.wantText, msg.Text)
			}
			if strings.Contains(msg.HTML, "<b>Asha</b>") {
				t.Fatal("customer name was not escaped in HTML")
			}
		})
	}
}

func TestTemplateForSilentStatuses(t *testing.T) {
	t.Parallel()

	for _, status := range []models.OrderStatus{models.StatusPending, models.StatusProcessing, models.StatusReturned} {
		if _, ok := TemplateFor(status); ok {
			t.Fatalf("unexpected template for %s", status)
		}
	}
}
