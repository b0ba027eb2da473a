package domain

import (
	"github.com/veriflow/veriflow/internal/storage"
)

// Provider is a staked dataset provider.
type Provider struct {
	Address       string
	Active        bool
	Stake         int64
	TotalDatasets int64
	CreatedAt     string
}

// Dataset is a listed dataset.
type Dataset struct {
	ID           int64
	Provider     string
	Name         string
	Description  string
	Category     string
	Size         int64
	Format       string
	Price        int64
	QualityScore int64
	Active       bool
	CreatedAt    string
}

// ListDatasetRequest is the request to list a new dataset.
type ListDatasetRequest struct {
	Name         string
	Description  string
	Category     string
	Size         int64
	Format       string
	Price        int64
	QualityScore int64
}

// PurchaseResult reports a settled purchase.
type PurchaseResult struct {
	DatasetID int64
	PaymentID int64
	Price     int64
	Fee       int64
	Provider  string
}

// ListFilter contains filter options for listing datasets.
type ListFilter struct {
	Provider   string
	Category   string
	ActiveOnly bool
}

// PaginationParams contains pagination options.
type PaginationParams struct {
	Limit  int
	Offset int
}

// ListResult contains paginated list results.
type ListResult struct {
	Datasets []Dataset
	HasMore  bool
	Total    int64
}

func toProvider(p *storage.Provider) *Provider {
	return &Provider{
		Address:       p.Address,
		Active:        p.Active,
		Stake:         p.Stake,
		TotalDatasets: p.TotalDatasets,
		CreatedAt:     p.CreatedAt,
	}
}

func toDataset(d *storage.Dataset) *Dataset {
	return &Dataset{
		ID:           d.ID,
		Provider:     d.Provider,
		Name:         d.Name,
		Description:  d.Description,
		Category:     d.Category,
		Size:         d.Size,
		Format:       d.Format,
		Price:        d.Price,
		QualityScore: d.QualityScore,
		Active:       d.Active,
		CreatedAt:    d.CreatedAt,
	}
}
