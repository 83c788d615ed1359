package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"orderwatch/internal/domain"
)

// Fetcher performs one provider lookup per call. No retries here; retry
// policy belongs to the scheduler.
type Fetcher struct {
	client *http.Client
	table  *domain.StatusTable
	now    func() time.Time
}

func New(timeout time.Duration, table *domain.StatusTable) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		table:  table,
		now:    time.Now,
	}
}

// orderQuery is the provider's request contract: a one-element array of
// order/user pairs.
type orderQuery struct {
	OrderID string `json:"orderId"`
	UserID  int64  `json:"userId"`
}

type envelope struct {
	Code json.RawMessage `json:"code"`
	Desc string          `json:"desc"`
	Data struct {
		BuyCarInfo struct {
			Vid json.RawMessage `json:"vid"`
		} `json:"buyCarInfo"`
	} `json:"data"`
}

// Fetch performs exactly one network round trip and returns a normalized
// record or a *domain.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, task *domain.MonitoringTask) (domain.StatusRecord, error) {
	payload, err := json.Marshal([]orderQuery{{OrderID: task.OrderID, UserID: task.UserID}})
	if err != nil {
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchMalformed, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(payload))
	if err != nil {
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchNetwork, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchNetwork, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchAuth,
			fmt.Sprintf("HTTP %d, credentials rejected", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchProvider,
			fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchMalformed, "decode envelope", err)
	}

	bizCode, err := parseNumber(env.Code)
	if err != nil {
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchMalformed, "envelope code", err)
	}
	if bizCode != 0 {
		kind := domain.FetchProvider
		if f.table.IsAuthCode(bizCode) {
			kind = domain.FetchAuth
		}
		return domain.StatusRecord{}, domain.NewFetchError(kind,
			fmt.Sprintf("provider code %d: %s", bizCode, env.Desc), nil)
	}

	status, err := parseNumber(env.Data.BuyCarInfo.Vid)
	if err != nil {
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchMalformed, "status field", err)
	}

	return domain.StatusRecord{
		Code:        status,
		Description: f.table.Describe(status),
		ObservedAt:  f.now(),
		Raw:         body,
	}, nil
}

// parseNumber accepts the field as either a JSON number or a quoted string;
// the provider has shipped both.
func parseNumber(raw json.RawMessage) (int, error) {
	s := string(bytes.TrimSpace(raw))
	if s == "" || s == "null" {
		return 0, fmt.Errorf("missing")
	}
	s = string(bytes.Trim([]byte(s), `"`))
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return n, nil
}
