//go:build e2e

package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/pkg/client"
)

const marketCustody = "0x0000000000000000000000000000000000000101"

func TestMarketplace_ProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	const providerAddr = "0x00000000000000000000000000000000000000b1"
	provider := newAccount(t, "market-provider", providerAddr)
	fund(t, providerAddr, 1000)

	// Stake requires an allowance for the marketplace custody account.
	err := provider.Stake(ctx, 150)
	assertAPIError(t, err, "INSUFFICIENT_ALLOWANCE")

	require.NoError(t, provider.Approve(ctx, marketCustody, 150))
	require.NoError(t, provider.Stake(ctx, 150))

	p, err := provider.GetProvider(ctx, providerAddr)
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.Equal(t, int64(150), p.Stake)

	bal, err := provider.Balance(ctx, providerAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(850), bal.Balance)

	// Full exit returns the stake and deactivates the provider.
	require.NoError(t, provider.Unstake(ctx, 150))

	p, err = provider.GetProvider(ctx, providerAddr)
	require.NoError(t, err)
	assert.False(t, p.Active)
	assert.Equal(t, int64(0), p.Stake)

	bal, err = provider.Balance(ctx, providerAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Balance)
}

func TestMarketplace_ListAndPurchase(t *testing.T) {
	ctx := context.Background()
	const (
		providerAddr = "0x00000000000000000000000000000000000000b2"
		buyerAddr    = "0x00000000000000000000000000000000000000b3"
	)
	provider := newAccount(t, "market-seller", providerAddr)
	buyer := newAccount(t, "market-buyer", buyerAddr)
	fund(t, providerAddr, 1000)
	fund(t, buyerAddr, 1000)

	require.NoError(t, provider.Approve(ctx, marketCustody, 100))
	require.NoError(t, provider.Stake(ctx, 100))

	id, err := provider.ListDataset(ctx, client.ListDatasetRequest{
		Name:     "MRI scans",
		Category: "imaging",
		Format:   "parquet",
		Size:     4096,
		Price:    500,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	ds, err := buyer.GetDataset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "MRI scans", ds.Name)
	assert.Equal(t, int64(500), ds.Price)
	assert.True(t, ds.Active)

	// Purchase needs an allowance covering the price.
	require.NoError(t, buyer.Approve(ctx, marketCustody, 500))
	result, err := buyer.Purchase(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(500), result.Price)
	assert.Equal(t, int64(25), result.Fee)
	assert.Equal(t, providerAddr, result.Provider)

	// The provider received the price minus the 5% fee.
	bal, err := buyer.Balance(ctx, providerAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(1000-100+475), bal.Balance)

	purchased, err := buyer.HasPurchased(ctx, id, buyerAddr)
	require.NoError(t, err)
	assert.True(t, purchased)

	_, err = buyer.Purchase(ctx, id)
	assertAPIError(t, err, "ALREADY_PURCHASED")
}

func TestMarketplace_BrowseAndManage(t *testing.T) {
	ctx := context.Background()
	const providerAddr = "0x00000000000000000000000000000000000000b4"
	provider := newAccount(t, "market-curator", providerAddr)
	fund(t, providerAddr, 1000)

	require.NoError(t, provider.Approve(ctx, marketCustody, 100))
	require.NoError(t, provider.Stake(ctx, 100))

	first, err := provider.ListDataset(ctx, client.ListDatasetRequest{Name: "genomes", Category: "genomics", Price: 200})
	require.NoError(t, err)
	second, err := provider.ListDataset(ctx, client.ListDatasetRequest{Name: "x-rays", Category: "imaging", Price: 300})
	require.NoError(t, err)

	resp, err := provider.ListDatasets(ctx, client.ListDatasetsFilter{Provider: providerAddr})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Pagination.Total)

	resp, err = provider.ListDatasets(ctx, client.ListDatasetsFilter{Provider: providerAddr, Category: "genomics"})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, first, resp.Data[0].ID)

	// Reprice then delist the second dataset.
	require.NoError(t, provider.UpdatePrice(ctx, second, 450))
	ds, err := provider.GetDataset(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(450), ds.Price)

	require.NoError(t, provider.DeactivateDataset(ctx, second))
	ds, err = provider.GetDataset(ctx, second)
	require.NoError(t, err)
	assert.False(t, ds.Active)

	// A delisted dataset cannot be purchased.
	const buyerAddr = "0x00000000000000000000000000000000000000b5"
	buyer := newAccount(t, "market-late-buyer", buyerAddr)
	fund(t, buyerAddr, 1000)
	require.NoError(t, buyer.Approve(ctx, marketCustody, 450))

	_, err = buyer.Purchase(ctx, second)
	assertAPIError(t, err, "INACTIVE_DATASET")
}

func TestMarketplace_StakeBelowMinimum(t *testing.T) {
	ctx := context.Background()
	const addr = "0x00000000000000000000000000000000000000b6"
	provider := newAccount(t, "market-small", addr)
	fund(t, addr, 1000)
	require.NoError(t, provider.Approve(ctx, marketCustody, 50))

	err := provider.Stake(ctx, 50)
	assertAPIError(t, err, "BELOW_MINIMUM_STAKE")
}
