package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/samber/do/v2"
	"github.com/shopspring/decimal"
)

const (
	PayPalSandboxURL = "https://api-m.sandbox.paypal.com"
	PayPalLiveURL    = "https://api-m.paypal.com"

	insufficientFundsName = "INSUFFICIENT_FUNDS"
)

var ErrPayPalRequest = errors.New("paypal request failed")

type payPalToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type payPalError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type payPalAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type payPalItem struct {
	RecipientType string       `json:"recipient_type"`
	Amount        payPalAmount `json:"amount"`
	Receiver      string       `json:"receiver"`
	Note          string       `json:"note"`
}

type payPalBatchHeader struct {
	SenderBatchID string `json:"sender_batch_id"`
	EmailSubject  string `json:"email_subject"`
}

type payPalPayout struct {
	SenderBatchHeader payPalBatchHeader `json:"sender_batch_header"`
	Items             []payPalItem      `json:"items"`
}

// PayPalClient sends payouts through the PayPal Payouts REST API.
type PayPalClient struct {
	client       *resty.Client
	clientID     string
	clientSecret string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func NewPayPalTransferer(i do.Injector) (Transferer, error) {
	baseURL := PayPalSandboxURL
	if do.MustInvokeNamed[string](i, "paypal-mode") == "live" {
		baseURL = PayPalLiveURL
	}

	return NewPayPalClient(
		baseURL,
		do.MustInvokeNamed[string](i, "paypal-client-id"),
		do.MustInvokeNamed[string](i, "paypal-client-secret"),
	), nil
}

func NewPayPalClient(baseURL string, clientID string, clientSecret string) *PayPalClient {
	return &PayPalClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second), //nolint:mnd
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (c *PayPalClient) RequestTransfer(
	ctx context.Context,
	batchID string,
	amount decimal.Decimal,
	currency string,
	email string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	body := payPalPayout{
		SenderBatchHeader: payPalBatchHeader{
			SenderBatchID: batchID,
			EmailSubject:  "You won Prisoner's Dilemma!",
		},
		Items: []payPalItem{
			{
				RecipientType: "EMAIL",
				Amount: payPalAmount{
					Value:    amount.StringFixed(2),
					Currency: currency,
				},
				Receiver: email,
				Note:     "Congratulations!",
			},
		},
	}

	var failure payPalError

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetError(&failure).
		Post("/v1/payments/payouts")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPayPalRequest, err)
	}

	if resp.IsError() {
		if failure.Name == insufficientFundsName {
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, failure.Message)
		}

		return fmt.Errorf("%w: %s %s %s", ErrPayPalRequest, resp.Status(), failure.Name, failure.Message)
	}

	return nil
}

func (c *PayPalClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	var (
		result  payPalToken
		failure payPalError
	)

	resp, err := c.client.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&result).
		SetError(&failure).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPayPalRequest, err)
	}

	if resp.IsError() || result.AccessToken == "" {
		return "", fmt.Errorf("%w: token %s %s", ErrPayPalRequest, resp.Status(), failure.Name)
	}

	// renew a minute early
	c.accessToken = result.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(result.ExpiresIn)*time.Second - time.Minute)

	return c.accessToken, nil
}
