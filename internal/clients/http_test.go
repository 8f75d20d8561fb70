package clients

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmarchuk/curator/internal/pipeline"
	"github.com/dmarchuk/curator/internal/signing"
)

func TestFeedClientFetchBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("communities"); got != "tech,golang" {
			t.Errorf("communities = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("limit = %q", got)
		}
		json.NewEncoder(w).Encode([]RawItem{{ExternalID: "ext-1", Title: "t"}})
	}))
	defer srv.Close()

	c := NewFeedClient(srv.URL, time.Second)
	items, err := c.FetchBatch(context.Background(), []string{"tech", "golang"}, "top", 25)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(items) != 1 || items[0].ExternalID != "ext-1" {
		t.Errorf("items = %+v", items)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   pipeline.Class
	}{
		{http.StatusTooManyRequests, pipeline.ClassTransient},
		{http.StatusBadGateway, pipeline.ClassTransient},
		{http.StatusInternalServerError, pipeline.ClassTransient},
		{http.StatusBadRequest, pipeline.ClassPermanent},
		{http.StatusUnprocessableEntity, pipeline.ClassPermanent},
		{http.StatusNotFound, pipeline.ClassPermanent},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := NewCompletionClient(srv.URL, time.Second)
		_, err := c.SummarizeAndTag(context.Background(), "content")
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := pipeline.Classify(err); got != tc.want {
			t.Errorf("status %d classified %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestCompletionRejectsMissingSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(Enrichment{Tags: []string{"x"}})
	}))
	defer srv.Close()

	_, err := NewCompletionClient(srv.URL, time.Second).SummarizeAndTag(context.Background(), "c")
	if pipeline.Classify(err) != pipeline.ClassPermanent {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestConnectionFailureIsTransient(t *testing.T) {
	// A closed listener yields a connection error, not an HTTP status.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewFeedClient(srv.URL, time.Second).FetchBatch(context.Background(), []string{"t"}, "top", 1)
	if pipeline.Classify(err) != pipeline.ClassTransient {
		t.Fatalf("err = %v, want transient", err)
	}
	var te *pipeline.TransientError
	if !errors.As(err, &te) {
		t.Errorf("err = %T, want *pipeline.TransientError", err)
	}
}

func TestCMSDeleteTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := NewCMSClient(srv.URL, time.Second).DeletePost(context.Background(), "gone"); err != nil {
		t.Fatalf("DeletePost on 404: %v", err)
	}
}

func TestWebhookNotifierSignsPayload(t *testing.T) {
	const secret = "hook-secret"
	verifier := signing.NewSigner([]byte(secret))
	var verified bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get("X-Curator-Timestamp")
		sig := r.Header.Get("X-Curator-Signature")
		verified = verifier.Validate(body, ts, sig)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, secret)
	if err := n.Send(context.Background(), Notification{Message: "m", Severity: "warning"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !verified {
		t.Error("delivery signature did not validate")
	}
}

func TestWebhookNotifierWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Curator-Signature") != "" {
			t.Error("unsigned notifier must not set a signature header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second, "").Send(context.Background(), Notification{Message: "m"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
