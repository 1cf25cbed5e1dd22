package validation

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"  merchant_42  ", 100, "merchant_42"},
		{"coffee\x00shop", 100, "coffeeshop"},
		{"abcdefghij", 5, "abcde"},
		{"", 10, ""},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestPositiveAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"40", true},
		{"0.01", true},
		{"1000.000001", true},
		{"", true}, // use Required for mandatory amounts
		{"0", false},
		{"0.000000", false},
		{"-5", false},
		{"1.0000001", false},
		{"12abc", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := PositiveAmount("amount", tc.value)()
		if tc.valid && err != nil {
			t.Errorf("PositiveAmount(%q) unexpected error: %s", tc.value, err.Message)
		}
		if !tc.valid && err == nil {
			t.Errorf("PositiveAmount(%q) expected error", tc.value)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("amount", ""),
		MaxLength("payeeRef", "merchant", 3),
		OneOf("phase", "hold", "down", "up"),
		Range("pressure", 1.5, 0, 1),
		Required("key", "a"),
	)

	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "amount: is required" {
		t.Errorf("unexpected summary %q", errs.Error())
	}
	if errs[2].Message != "must be one of down, up" {
		t.Errorf("unexpected OneOf message %q", errs[2].Message)
	}
}

func TestValidationErrors_Empty(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "validation failed" {
		t.Errorf("got %q", got)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestSizeMiddleware(8))
	router.POST("/frames", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/frames", bytes.NewReader([]byte("small"))))
	if w.Code != http.StatusOK {
		t.Errorf("small body: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/frames", bytes.NewReader(make([]byte, 64))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body: got %d", w.Code)
	}
}
