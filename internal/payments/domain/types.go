package domain

import (
	"github.com/veriflow/veriflow/internal/storage"
)

// PaymentRequest is the request to pay a seller, directly or via escrow.
type PaymentRequest struct {
	Seller    string
	Amount    int64
	DatasetID int64
}

// Payment is a settled payment record.
type Payment struct {
	ID        int64
	Buyer     string
	Seller    string
	Amount    int64
	DatasetID int64
	Completed bool
	Refunded  bool
	CreatedAt string
}

// Escrow is a custodial hold pending release or refund.
type Escrow struct {
	ID        int64
	Buyer     string
	Seller    string
	Amount    int64
	DatasetID int64
	Completed bool
	CreatedAt string
}

func toPayment(p *storage.Payment) *Payment {
	return &Payment{
		ID:        p.ID,
		Buyer:     p.Buyer,
		Seller:    p.Seller,
		Amount:    p.Amount,
		DatasetID: p.DatasetID,
		Completed: p.Completed,
		Refunded:  p.Refunded,
		CreatedAt: p.CreatedAt,
	}
}

func toPayments(data []storage.Payment) []Payment {
	payments := make([]Payment, len(data))
	for i := range data {
		payments[i] = *toPayment(&data[i])
	}
	return payments
}

func toEscrow(e *storage.Escrow) *Escrow {
	return &Escrow{
		ID:        e.ID,
		Buyer:     e.Buyer,
		Seller:    e.Seller,
		Amount:    e.Amount,
		DatasetID: e.DatasetID,
		Completed: e.Completed,
		CreatedAt: e.CreatedAt,
	}
}
