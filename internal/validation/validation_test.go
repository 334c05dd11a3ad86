package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"tx_0123456789abcdef01234567", true},
		{"ses_0123456789abcdef01234567", true},
		{"8f14e45f-ceea-467f-a0e6-0123456789ab", true},

		{"", false},
		{"tx_", false},
		{"TX_0123456789abcdef", false},
		{"tx_0123'; drop table", false},
	}

	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"he\x00llo", 10, "hello"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	pct := decimal.NewFromInt(25)
	errs := Validate(
		Required("proposalId", ""),
		OneOf("feePaidBy", "NOBODY", "SELLER", "BUYER", "SPLIT"),
		DecimalRange("feePercentage", &pct, decimal.Zero, decimal.NewFromInt(20)),
		ValidDate("scheduledDate", "2026-10-18"),
	)

	if len(errs) != 3 {
		t.Fatalf("Expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "proposalId: is required" {
		t.Errorf("Unexpected first error %q", errs.Error())
	}
}

func TestDecimalRange_NilSkipped(t *testing.T) {
	if err := DecimalRange("feePercentage", nil, decimal.Zero, decimal.NewFromInt(20))(); err != nil {
		t.Errorf("Expected nil for absent value, got %v", err)
	}
	twenty := decimal.NewFromInt(20)
	if err := DecimalRange("feePercentage", &twenty, decimal.Zero, decimal.NewFromInt(20))(); err != nil {
		t.Errorf("Expected inclusive upper bound, got %v", err)
	}
}

func TestMaxDecimals(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"5", true},
		{"2.5", true},
		{"2.55", true},
		{"2.550", true},
		{"2.555", false},
		{"0.001", false},
	}
	for _, tt := range tests {
		d := decimal.RequireFromString(tt.value)
		err := MaxDecimals("feePercentage", &d, 2)()
		if (err == nil) != tt.ok {
			t.Errorf("MaxDecimals(%s) = %v, want ok=%v", tt.value, err, tt.ok)
		}
	}
	if err := MaxDecimals("feePercentage", nil, 2)(); err != nil {
		t.Errorf("Expected nil for absent value, got %v", err)
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"100", true},
		{"100.50", true},
		{"", true},
		{"0", false},
		{"-5", false},
		{"1.005", false},
		{"abc", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		if (err == nil) != tc.ok {
			t.Errorf("ValidAmount(%q) err=%v, want ok=%v", tc.value, err, tc.ok)
		}
	}
}

func TestValidTime(t *testing.T) {
	if err := ValidTime("scheduledTime", "14:30")(); err != nil {
		t.Errorf("Expected valid time, got %v", err)
	}
	if err := ValidTime("scheduledTime", "25:00")(); err == nil {
		t.Error("Expected error for 25:00")
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/tx/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tx/tx_0123456789abcdef01234567", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tx/not-an-id!", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		buf := make([]byte, 64)
		if _, err := c.Request.Body.Read(buf); err != nil && err.Error() != "EOF" {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", http.NoBody))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for empty body, got %d", w.Code)
	}
}
