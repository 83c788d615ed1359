package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"orderwatch/internal/domain"
)

func TestPercentEncode(t *testing.T) {
	cases := map[string]string{
		"a b":  "a%20b",
		"a*b":  "a%2Ab",
		"a~b":  "a~b",
		"a/b":  "a%2Fb",
		"a=b&": "a%3Db%26",
	}
	for in, want := range cases {
		if got := percentEncode(in); got != want {
			t.Errorf("percentEncode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	q := canonicalize(map[string]string{"b": "2", "a": "1", "c": "3"})
	if q != "a=1&b=2&c=3" {
		t.Fatalf("canonicalize = %q", q)
	}
}

func smsConfig() domain.SMSChannel {
	return domain.SMSChannel{
		Enabled:         true,
		AccessKeyID:     "testkey",
		AccessKeySecret: "testsecret",
		SignName:        "orderwatch",
		TemplateCode:    "SMS_123",
	}
}

func TestAliyunSendOK(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Write([]byte(`{"Code":"OK","Message":"ok"}`))
	}))
	defer srv.Close()

	s := NewAliyunSMSSender(time.Second)
	s.endpoint = srv.URL + "/"

	if err := s.Send(context.Background(), smsConfig(), "13800000000", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Get("Action") != "SendSms" || got.Get("PhoneNumbers") != "13800000000" {
		t.Fatalf("query = %v", got)
	}
	if got.Get("Signature") == "" {
		t.Fatal("request not signed")
	}
	if !strings.Contains(got.Get("TemplateParam"), "hello") {
		t.Fatalf("template param = %q", got.Get("TemplateParam"))
	}
}

func TestAliyunSendProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Code":"isv.BUSINESS_LIMIT_CONTROL","Message":"quota exceeded"}`))
	}))
	defer srv.Close()

	s := NewAliyunSMSSender(time.Second)
	s.endpoint = srv.URL + "/"

	err := s.Send(context.Background(), smsConfig(), "13800000000", "hello")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v, want quota error", err)
	}
}

func TestAliyunSendUnconfigured(t *testing.T) {
	s := NewAliyunSMSSender(time.Second)
	err := s.Send(context.Background(), domain.SMSChannel{}, "1", "m")
	if err == nil {
		t.Fatal("want error for unconfigured transport")
	}
}
