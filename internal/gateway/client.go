// Package gateway предоставляет клиент внешнего шлюза банковских переводов.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrRefExists возвращается, если шлюз уже хранит запись с таким reference.
var (
	ErrRefExists = errors.New("payment reference already exists")
	// ErrUnavailable возвращается при невосстановимой ошибке обращения к шлюзу.
	ErrUnavailable = errors.New("payment gateway unavailable")
)

// Intent описывает платёжное намерение в ответе шлюза.
type Intent struct {
	Amount  int64  `json:"amount"`
	Content string `json:"content"`
	Status  string `json:"status"`
	TxnID   string `json:"txnId"`
}

// Статусы намерения, которые сообщает шлюз.
const (
	IntentStatusPending = "pending"
	IntentStatusPaid    = "paid"
)

type envelope struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Data    []Intent `json:"data"`
	Count   int      `json:"count"`
}

type initRequest struct {
	Amount int64  `json:"amount"`
	Ref    string `json:"ref"`
}

// Client инкапсулирует HTTP-взаимодействие со шлюзом банковских переводов.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент шлюза по указанному адресу и API-ключу.
// Сетевые сбои ретраятся транспортом; дубликат reference ретраем не является.
func NewClient(baseURL, apiKey string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Logger = nil
	c.HTTPClient.Timeout = 5 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: c,
	}
}

// SearchByRef ищет платёжное намерение по reference.
// Возвращает nil без ошибки, если запись не найдена.
func (c *Client) SearchByRef(ctx context.Context, ref string) (*Intent, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	reqURL := fmt.Sprintf("%s/search?ref=%s", c.normalizedBase(), url.QueryEscape(ref))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Apikey "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: search status %d", ErrUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode search response: %s", ErrUnavailable, err)
	}

	if !env.Success {
		return nil, fmt.Errorf("%w: search rejected: %s", ErrUnavailable, env.Message)
	}

	if len(env.Data) == 0 {
		return nil, nil
	}

	intent := env.Data[0]
	return &intent, nil
}

// Init просит шлюз создать платёжное намерение с указанными reference и суммой.
// Если шлюз уже хранит запись с таким reference, возвращается ErrRefExists.
func (c *Client) Init(ctx context.Context, ref string, amount int64) (*Intent, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	body, err := json.Marshal(initRequest{Amount: amount, Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("marshal init request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.normalizedBase()+"/init", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Apikey "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, ErrRefExists
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: init status %d", ErrUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode init response: %s", ErrUnavailable, err)
	}

	if !env.Success {
		if strings.Contains(strings.ToLower(env.Message), "exist") {
			return nil, ErrRefExists
		}
		return nil, fmt.Errorf("%w: init rejected: %s", ErrUnavailable, env.Message)
	}

	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: init returned empty data", ErrUnavailable)
	}

	intent := env.Data[0]
	return &intent, nil
}

func (c *Client) normalizedBase() string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

// BuildQRPayload собирает ссылку на QR-изображение банковского перевода
// на счёт платформы с суммой и назначением платежа из ответа шлюза.
func BuildQRPayload(bankCode, accountNo string, amount int64, content string) string {
	q := url.Values{}
	q.Set("acc", accountNo)
	q.Set("bank", bankCode)
	q.Set("amount", fmt.Sprintf("%d", amount))
	q.Set("des", content)
	return "https://qr.rentmarket.dev/img?" + q.Encode()
}
