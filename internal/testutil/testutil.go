package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

// Fixture keys seeded by SetupTestData.
const (
	KeyFloating  = "TEST-FLOATING-0001"
	KeyStrict    = "TEST-STRICT-0001"
	KeySuspended = "TEST-SUSPENDED-0001"
	KeyExpired   = "TEST-EXPIRED-0001"
	KeyPerpetual = "TEST-PERPETUAL-0001"
)

// Clock is a settable time source for services under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestStorage creates an empty memory storage
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// CreateTestLicense creates an ACTIVE license. A zero days value makes it perpetual.
func CreateTestLicense(key string, maxMachines int, strategy models.Strategy, days int) *models.License {
	now := time.Now()
	l := &models.License{
		Key:         key,
		Status:      models.StatusActive,
		MaxMachines: maxMachines,
		Strategy:    strategy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if days != 0 {
		expires := now.AddDate(0, 0, days)
		l.ExpiresAt = &expires
	}
	return l
}

// SeedLicense saves l and fails the test on error.
func SeedLicense(t testing.TB, store storage.Storage, l *models.License) *models.License {
	t.Helper()
	if err := store.SaveLicense(context.Background(), l); err != nil {
		t.Fatalf("Failed to save license %s: %v", l.Key, err)
	}
	return l
}

// SetupTestData seeds one license per fixture key
func SetupTestData(store storage.Storage) error {
	ctx := context.Background()

	suspended := CreateTestLicense(KeySuspended, 2, models.StrategyFloating, 30)
	suspended.Status = models.StatusSuspended

	expired := CreateTestLicense(KeyExpired, 2, models.StrategyFloating, -1)

	licenses := []*models.License{
		CreateTestLicense(KeyFloating, 2, models.StrategyFloating, 30),
		CreateTestLicense(KeyStrict, 1, models.StrategyStrict, 30),
		suspended,
		expired,
		CreateTestLicense(KeyPerpetual, 3, models.StrategyFloating, 0),
	}

	for _, license := range licenses {
		if err := store.SaveLicense(ctx, license); err != nil {
			return fmt.Errorf("failed to save license %s: %w", license.Key, err)
		}
	}
	return nil
}

// MakeRequest sends a JSON request to handler and returns the recorder.
// Headers may be nil.
func MakeRequest(t testing.TB, handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// Envelope is the signed response body returned by client endpoints.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature,omitempty"`
}

// DecodeEnvelope decodes a signed response and unmarshals its data into out.
func DecodeEnvelope(t testing.TB, w *httptest.ResponseRecorder, out interface{}) Envelope {
	t.Helper()

	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("Failed to decode envelope: %v (body %q)", err, w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("Failed to decode envelope data: %v", err)
		}
	}
	return env
}

// DecodeJSON decodes a plain JSON response body into out.
func DecodeJSON(t testing.TB, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to decode response: %v (body %q)", err, w.Body.String())
	}
}
