package notify

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"orderwatch/internal/domain"
)

const dysmsEndpoint = "https://dysmsapi.aliyuncs.com/"

// AliyunSMSSender calls the Dysms SendSms RPC endpoint directly: a signed
// GET with HMAC-SHA1 over the sorted query string.
type AliyunSMSSender struct {
	client   *http.Client
	endpoint string
	now      func() time.Time
}

func NewAliyunSMSSender(timeout time.Duration) *AliyunSMSSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AliyunSMSSender{
		client:   &http.Client{Timeout: timeout},
		endpoint: dysmsEndpoint,
		now:      time.Now,
	}
}

type dysmsResponse struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

func (s *AliyunSMSSender) Send(ctx context.Context, cfg domain.SMSChannel, phone, message string) error {
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return fmt.Errorf("sms transport not configured")
	}

	param, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return err
	}

	params := map[string]string{
		"AccessKeyId":      cfg.AccessKeyID,
		"Action":           "SendSms",
		"Format":           "JSON",
		"PhoneNumbers":     phone,
		"RegionId":         "cn-hangzhou",
		"SignName":         cfg.SignName,
		"SignatureMethod":  "HMAC-SHA1",
		"SignatureNonce":   nonce(),
		"SignatureVersion": "1.0",
		"TemplateCode":     cfg.TemplateCode,
		"TemplateParam":    string(param),
		"Timestamp":        s.now().UTC().Format("2006-01-02T15:04:05Z"),
		"Version":          "2017-05-25",
	}
	query := canonicalize(params)
	sig := sign("GET&%2F&"+percentEncode(query), cfg.AccessKeySecret+"&")

	reqURL := s.endpoint + "?Signature=" + percentEncode(sig) + "&" + query
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sms response: %w", err)
	}
	var dr dysmsResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return fmt.Errorf("sms response decode: %w", err)
	}
	if dr.Code != "OK" {
		return fmt.Errorf("sms provider %s: %s", dr.Code, dr.Message)
	}
	return nil
}

func canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+"="+percentEncode(params[k]))
	}
	return strings.Join(parts, "&")
}

// percentEncode follows the provider's signing rules, which differ from
// url.QueryEscape on space, '*' and '~'.
func percentEncode(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	e = strings.ReplaceAll(e, "*", "%2A")
	e = strings.ReplaceAll(e, "%7E", "~")
	return e
}

func sign(stringToSign, key string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func nonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
