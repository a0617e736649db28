package hmacauth

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

var testNow = time.Unix(1_700_000_000, 0)

func signedRequest(path, body, secret string, at time.Time) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(HeaderSignature, Sign(secret, http.MethodPost, path, ts, []byte(body)))
	req.Header.Set(HeaderTimestamp, ts)
	return req
}

func newVerifier() *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now:     func() time.Time { return testNow },
	}
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"amount":"0.5"}`
	req := signedRequest("/api/v1/campaigns/0xabc/contribute", body, "secret", testNow)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})

	newVerifier().Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler should see the original body, got %q", seen)
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	body := `{"amount":"0.5"}`
	cases := []struct {
		name string
		req  func() *http.Request
		want error
	}{
		{"bad signature", func() *http.Request {
			r := signedRequest("/a", body, "secret", testNow)
			r.Header.Set(HeaderSignature, "deadbeef")
			return r
		}, ErrInvalidSignature},
		{"wrong secret", func() *http.Request { return signedRequest("/a", body, "other", testNow) }, ErrInvalidSignature},
		{"signed for another path", func() *http.Request {
			r := signedRequest("/a", body, "secret", testNow)
			r.URL.Path = "/b"
			return r
		}, ErrInvalidSignature},
		{"stale", func() *http.Request { return signedRequest("/a", body, "secret", testNow.Add(-2*time.Minute)) }, ErrStaleTimestamp},
		{"missing signature", func() *http.Request {
			r := signedRequest("/a", body, "secret", testNow)
			r.Header.Del(HeaderSignature)
			return r
		}, ErrMissingSignature},
		{"missing timestamp", func() *http.Request {
			r := signedRequest("/a", body, "secret", testNow)
			r.Header.Del(HeaderTimestamp)
			return r
		}, ErrMissingTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got error
			v := newVerifier()
			v.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
				got = err
				w.WriteHeader(http.StatusUnauthorized)
			}
			rec := httptest.NewRecorder()
			v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rec, tc.req())

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestMiddleware_BodyLimit(t *testing.T) {
	v := newVerifier()
	v.MaxBody = 4
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, signedRequest("/a", "too long", "secret", testNow))

	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), ErrBodyTooLarge.Error()) {
		t.Fatalf("expected body limit rejection, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestMiddleware_NoSecretPassesThrough(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodPost, "/a", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
