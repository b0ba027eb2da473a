// Package client provides a Go client for the VeriFlow API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a VeriFlow API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// New creates a new VeriFlow client
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Health is the server health response
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Balance is an account balance
type Balance struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

// CollateralInfo reports the deposit backing an account
type CollateralInfo struct {
	Address   string `json:"address"`
	Deposited int64  `json:"deposited"`
	Ratio     int64  `json:"ratio"`
}

// MintResult is the result of a collateralized mint
type MintResult struct {
	Address    string `json:"address"`
	Collateral int64  `json:"collateral"`
	Minted     int64  `json:"minted"`
}

// RedeemResult is the result of a redemption
type RedeemResult struct {
	Address    string `json:"address"`
	Burned     int64  `json:"burned"`
	Collateral int64  `json:"collateral"`
}

// Provider is a staked dataset provider
type Provider struct {
	Address       string `json:"address"`
	Active        bool   `json:"active"`
	Stake         int64  `json:"stake"`
	TotalDatasets int64  `json:"totalDatasets"`
	CreatedAt     string `json:"createdAt"`
}

// Dataset is a marketplace listing
type Dataset struct {
	ID           int64  `json:"id"`
	Provider     string `json:"provider"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Format       string `json:"format,omitempty"`
	Price        int64  `json:"price"`
	QualityScore int64  `json:"qualityScore"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"createdAt"`
}

// ListDatasetRequest is the request for listing a dataset
type ListDatasetRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Format       string `json:"format,omitempty"`
	Price        int64  `json:"price"`
	QualityScore int64  `json:"qualityScore,omitempty"`
}

// ListDatasetsResponse is the response for browsing datasets
type ListDatasetsResponse struct {
	Data       []Dataset  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination contains pagination info
type Pagination struct {
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
	Total   int64 `json:"total"`
}

// ListDatasetsFilter filters dataset browsing
type ListDatasetsFilter struct {
	Provider   string
	Category   string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// PurchaseResult is the settlement result of a dataset purchase
type PurchaseResult struct {
	DatasetID int64  `json:"datasetId"`
	PaymentID int64  `json:"paymentId"`
	Price     int64  `json:"price"`
	Fee       int64  `json:"fee"`
	Provider  string `json:"provider"`
}

// PaymentRequest is the request for a direct payment or an escrow
type PaymentRequest struct {
	Seller    string `json:"seller"`
	Amount    int64  `json:"amount"`
	DatasetID int64  `json:"datasetId,omitempty"`
}

// Payment is a settled payment record
type Payment struct {
	ID        int64  `json:"id"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    int64  `json:"amount"`
	DatasetID int64  `json:"datasetId"`
	Completed bool   `json:"completed"`
	Refunded  bool   `json:"refunded"`
	CreatedAt string `json:"createdAt"`
}

// Escrow is a custodial hold pending release or refund
type Escrow struct {
	ID        int64  `json:"id"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    int64  `json:"amount"`
	DatasetID int64  `json:"datasetId"`
	Completed bool   `json:"completed"`
	CreatedAt string `json:"createdAt"`
}

// QualityVerification is the latest quality attestation for a dataset
type QualityVerification struct {
	DatasetID int64  `json:"datasetId"`
	Verifier  string `json:"verifier"`
	Score     int64  `json:"score"`
	DataHash  string `json:"dataHash"`
	UpdatedAt string `json:"updatedAt"`
}

// TrainingVerification is a training attestation
type TrainingVerification struct {
	DatasetID int64  `json:"datasetId"`
	Trainer   string `json:"trainer"`
	ModelHash string `json:"modelHash"`
	Metrics   string `json:"metrics"`
	ProofHash string `json:"proofHash"`
	CreatedAt string `json:"createdAt"`
}

// OracleRequest is a paid external-attestation request
type OracleRequest struct {
	ID        int64  `json:"id"`
	Requester string `json:"requester"`
	DatasetID int64  `json:"datasetId"`
	Query     string `json:"query"`
	Paid      bool   `json:"paid"`
	Completed bool   `json:"completed"`
	Response  string `json:"response,omitempty"` // base64, present when completed
	CreatedAt string `json:"createdAt"`
}

// Event is one entry of the append-only feed
type Event struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"createdAt"`
}

// APIError represents an API error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Health returns the server health and version
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ledger operations

// TotalSupply returns the total token supply
func (c *Client) TotalSupply(ctx context.Context) (int64, error) {
	var resp struct {
		TotalSupply int64 `json:"totalSupply"`
	}
	if err := c.get(ctx, "/api/v1/ledger/supply", &resp); err != nil {
		return 0, err
	}
	return resp.TotalSupply, nil
}

// Balance returns the token balance of an account
func (c *Client) Balance(ctx context.Context, address string) (*Balance, error) {
	var resp Balance
	if err := c.get(ctx, "/api/v1/ledger/accounts/"+url.PathEscape(address)+"/balance", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CollateralInfo returns the collateral position of an account
func (c *Client) CollateralInfo(ctx context.Context, address string) (*CollateralInfo, error) {
	var resp CollateralInfo
	if err := c.get(ctx, "/api/v1/ledger/accounts/"+url.PathEscape(address)+"/collateral", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Allowance returns the spender's remaining allowance over owner
func (c *Client) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	var resp struct {
		Allowance int64 `json:"allowance"`
	}
	path := fmt.Sprintf("/api/v1/ledger/accounts/%s/allowances/%s", url.PathEscape(owner), url.PathEscape(spender))
	if err := c.get(ctx, path, &resp); err != nil {
		return 0, err
	}
	return resp.Allowance, nil
}

// Mint locks collateral and credits tokens at the mint rate
func (c *Client) Mint(ctx context.Context, collateral int64) (*MintResult, error) {
	var resp MintResult
	if err := c.post(ctx, "/api/v1/ledger/mint", map[string]any{"collateral": collateral}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Redeem burns tokens and releases the backing collateral
func (c *Client) Redeem(ctx context.Context, amount int64) (*RedeemResult, error) {
	var resp RedeemResult
	if err := c.post(ctx, "/api/v1/ledger/redeem", map[string]any{"amount": amount}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Transfer moves tokens from the caller to another account
func (c *Client) Transfer(ctx context.Context, to string, amount int64) error {
	return c.post(ctx, "/api/v1/ledger/transfer", map[string]any{"to": to, "amount": amount}, nil)
}

// Approve sets the spender's allowance over the caller's balance
func (c *Client) Approve(ctx context.Context, spender string, amount int64) error {
	return c.post(ctx, "/api/v1/ledger/approve", map[string]any{"spender": spender, "amount": amount}, nil)
}

// TransferFrom spends the caller's allowance over owner
func (c *Client) TransferFrom(ctx context.Context, owner, to string, amount int64) error {
	return c.post(ctx, "/api/v1/ledger/transfer-from", map[string]any{"owner": owner, "to": to, "amount": amount}, nil)
}

// AdminMint credits tokens without collateral backing. Admin key required.
func (c *Client) AdminMint(ctx context.Context, to string, amount int64) error {
	return c.post(ctx, "/api/v1/ledger/admin/mint", map[string]any{"to": to, "amount": amount}, nil)
}

// Marketplace operations

// Stake locks tokens as provider stake
func (c *Client) Stake(ctx context.Context, amount int64) error {
	return c.post(ctx, "/api/v1/market/stake", map[string]any{"amount": amount}, nil)
}

// Unstake returns staked tokens to the caller
func (c *Client) Unstake(ctx context.Context, amount int64) error {
	return c.post(ctx, "/api/v1/market/unstake", map[string]any{"amount": amount}, nil)
}

// GetProvider returns a provider by address
func (c *Client) GetProvider(ctx context.Context, address string) (*Provider, error) {
	var resp Provider
	if err := c.get(ctx, "/api/v1/market/providers/"+url.PathEscape(address), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDataset publishes a new dataset listing
func (c *Client) ListDataset(ctx context.Context, req ListDatasetRequest) (int64, error) {
	var resp struct {
		DatasetID int64 `json:"datasetId"`
	}
	if err := c.post(ctx, "/api/v1/market/datasets", req, &resp); err != nil {
		return 0, err
	}
	return resp.DatasetID, nil
}

// GetDataset returns a dataset by id
func (c *Client) GetDataset(ctx context.Context, id int64) (*Dataset, error) {
	var resp Dataset
	if err := c.get(ctx, "/api/v1/market/datasets/"+strconv.FormatInt(id, 10), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDatasets browses the marketplace
func (c *Client) ListDatasets(ctx context.Context, filter ListDatasetsFilter) (*ListDatasetsResponse, error) {
	q := url.Values{}
	if filter.Provider != "" {
		q.Set("provider", filter.Provider)
	}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	if filter.ActiveOnly {
		q.Set("active", "true")
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/api/v1/market/datasets"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp ListDatasetsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdatePrice changes the price of a dataset the caller owns
func (c *Client) UpdatePrice(ctx context.Context, id, price int64) error {
	path := "/api/v1/market/datasets/" + strconv.FormatInt(id, 10) + "/price"
	return c.put(ctx, path, map[string]any{"price": price}, nil)
}

// DeactivateDataset delists a dataset the caller owns
func (c *Client) DeactivateDataset(ctx context.Context, id int64) error {
	return c.delete(ctx, "/api/v1/market/datasets/"+strconv.FormatInt(id, 10))
}

// Purchase buys access to a dataset. Requires a prior Approve covering the price.
func (c *Client) Purchase(ctx context.Context, id int64) (*PurchaseResult, error) {
	var resp PurchaseResult
	path := "/api/v1/market/datasets/" + strconv.FormatInt(id, 10) + "/purchase"
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HasPurchased reports whether buyer already purchased a dataset
func (c *Client) HasPurchased(ctx context.Context, id int64, buyer string) (bool, error) {
	var resp struct {
		Purchased bool `json:"purchased"`
	}
	path := fmt.Sprintf("/api/v1/market/datasets/%d/purchased/%s", id, url.PathEscape(buyer))
	if err := c.get(ctx, path, &resp); err != nil {
		return false, err
	}
	return resp.Purchased, nil
}

// Payments operations

// Pay settles a direct payment to a seller
func (c *Client) Pay(ctx context.Context, req PaymentRequest) (*Payment, error) {
	var resp Payment
	if err := c.post(ctx, "/api/v1/payments/payments", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateEscrow places funds in custody pending release
func (c *Client) CreateEscrow(ctx context.Context, req PaymentRequest) (*Escrow, error) {
	var resp Escrow
	if err := c.post(ctx, "/api/v1/payments/escrows", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReleaseEscrow pays the seller out of escrow. Buyer only.
func (c *Client) ReleaseEscrow(ctx context.Context, id int64) error {
	return c.post(ctx, "/api/v1/payments/escrows/"+strconv.FormatInt(id, 10)+"/release", nil, nil)
}

// RefundEscrow returns escrowed funds to the buyer. Admin key required.
func (c *Client) RefundEscrow(ctx context.Context, id int64) error {
	return c.post(ctx, "/api/v1/payments/escrows/"+strconv.FormatInt(id, 10)+"/refund", nil, nil)
}

// RefundPayment refunds a completed payment to the buyer. Admin key required.
func (c *Client) RefundPayment(ctx context.Context, id int64) error {
	return c.post(ctx, "/api/v1/payments/payments/"+strconv.FormatInt(id, 10)+"/refund", nil, nil)
}

// GetPayment returns a payment by id
func (c *Client) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	var resp Payment
	if err := c.get(ctx, "/api/v1/payments/payments/"+strconv.FormatInt(id, 10), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEscrow returns an escrow by id
func (c *Client) GetEscrow(ctx context.Context, id int64) (*Escrow, error) {
	var resp Escrow
	if err := c.get(ctx, "/api/v1/payments/escrows/"+strconv.FormatInt(id, 10), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BuyerPayments lists payments made by an address
func (c *Client) BuyerPayments(ctx context.Context, address string) ([]Payment, error) {
	var resp struct {
		Payments []Payment `json:"payments"`
	}
	if err := c.get(ctx, "/api/v1/payments/buyers/"+url.PathEscape(address)+"/payments", &resp); err != nil {
		return nil, err
	}
	return resp.Payments, nil
}

// SellerPayments lists payments received by an address
func (c *Client) SellerPayments(ctx context.Context, address string) ([]Payment, error) {
	var resp struct {
		Payments []Payment `json:"payments"`
	}
	if err := c.get(ctx, "/api/v1/payments/sellers/"+url.PathEscape(address)+"/payments", &resp); err != nil {
		return nil, err
	}
	return resp.Payments, nil
}

// Verification operations

// SubmitQuality submits (or overwrites) a quality attestation
func (c *Client) SubmitQuality(ctx context.Context, datasetID, score int64, dataHash string) error {
	return c.post(ctx, "/api/v1/verification/quality", map[string]any{
		"datasetId": datasetID,
		"score":     score,
		"dataHash":  dataHash,
	}, nil)
}

// SubmitTraining submits a training attestation
func (c *Client) SubmitTraining(ctx context.Context, datasetID int64, modelHash, metrics, proofHash string) error {
	return c.post(ctx, "/api/v1/verification/training", map[string]any{
		"datasetId": datasetID,
		"modelHash": modelHash,
		"metrics":   metrics,
		"proofHash": proofHash,
	}, nil)
}

// RequestOracle submits a paid external-attestation request
func (c *Client) RequestOracle(ctx context.Context, datasetID int64, query string) (int64, error) {
	var resp struct {
		RequestID int64 `json:"requestId"`
	}
	if err := c.post(ctx, "/api/v1/verification/oracle", map[string]any{
		"datasetId": datasetID,
		"query":     query,
	}, &resp); err != nil {
		return 0, err
	}
	return resp.RequestID, nil
}

// SubmitOracleResponse completes an oracle request. Admin key required.
// Response must be base64 encoded.
func (c *Client) SubmitOracleResponse(ctx context.Context, id int64, responseB64 string) error {
	path := "/api/v1/verification/oracle/" + strconv.FormatInt(id, 10) + "/response"
	return c.post(ctx, path, map[string]any{"response": responseB64}, nil)
}

// GetQuality returns the quality attestation for a dataset
func (c *Client) GetQuality(ctx context.Context, datasetID int64) (*QualityVerification, error) {
	var resp QualityVerification
	if err := c.get(ctx, "/api/v1/verification/quality/"+strconv.FormatInt(datasetID, 10), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTraining returns a training attestation
func (c *Client) GetTraining(ctx context.Context, datasetID int64, trainer string) (*TrainingVerification, error) {
	var resp TrainingVerification
	path := fmt.Sprintf("/api/v1/verification/training/%d/%s", datasetID, url.PathEscape(trainer))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOracle returns an oracle request by id
func (c *Client) GetOracle(ctx context.Context, id int64) (*OracleRequest, error) {
	var resp OracleRequest
	if err := c.get(ctx, "/api/v1/verification/oracle/"+strconv.FormatInt(id, 10), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reputation returns the reputation score of a verifier
func (c *Client) Reputation(ctx context.Context, address string) (int64, error) {
	var resp struct {
		Reputation int64 `json:"reputation"`
	}
	if err := c.get(ctx, "/api/v1/verification/reputation/"+url.PathEscape(address), &resp); err != nil {
		return 0, err
	}
	return resp.Reputation, nil
}

// Events polls the append-only event feed after a sequence cursor
func (c *Client) Events(ctx context.Context, after int64, eventType string, limit int) ([]Event, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/events/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.send(ctx, http.MethodPost, path, body, result)
}

func (c *Client) put(ctx context.Context, path string, body, result any) error {
	return c.send(ctx, http.MethodPut, path, body, result)
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, nil)
}

func (c *Client) send(ctx context.Context, method, path string, body, result any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.parseError(resp)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) parseError(resp *http.Response) error {
	var errResp struct {
		Error APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return &errResp.Error
}
