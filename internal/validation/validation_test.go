package validation

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/money"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ord_0001", true},
		{"esc_0002", true},
		{"usr_buyer", true},
		{"pi_mem_0001", true},
		{"a", true},

		{"", false},
		{"_leading", false},
		{"ord 1", false},
		{"ord/../1", false},
		{"ord;DROP", false},
		{strings.Repeat("a", 65), false},
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
		{"hel\x00lo", 10, "hello"},
		{"bad\xffutf8", 20, "badutf8"},
		{"déjà vu", 4, "déjà"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("sellerId", "usr_seller"),
		Required("listingId", "  "),
		MaxLength("reason", "too long", 3),
		ValidID("orderId", "bad id"),
		ValidAmount("total", "12.50"),
	)

	if len(errs) != 3 {
		t.Fatalf("Expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "listingId" {
		t.Errorf("Expected first error on listingId, got %s", errs[0].Field)
	}
	if err := errs.Err(); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected validation kind, got %v", err)
	}
	if err := Validate(Required("x", "y")).Err(); err != nil {
		t.Errorf("Expected nil for no failures, got %v", err)
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"", true},
		{"125.00", true},
		{"0.01", true},
		{"40", true},

		{"0", false},
		{"0.00", false},
		{"-5.00", false},
		{"1.005", false},
		{"1e3", false},
		{"abc", false},
	}

	for _, tc := range tests {
		got := ValidAmount("amount", tc.value)() == nil
		if got != tc.valid {
			t.Errorf("ValidAmount(%q) valid = %v, want %v", tc.value, got, tc.valid)
		}
	}
}

func TestPositiveAmount(t *testing.T) {
	if err := PositiveAmount("total", money.MustParse("35.00"))(); err != nil {
		t.Errorf("Expected 35.00 to pass, got %v", err)
	}
	if err := PositiveAmount("total", money.Zero)(); err == nil {
		t.Error("Expected zero to fail")
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IDParamMiddleware())
	r.GET("/orders/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/orders", func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]int{
		"/orders/ord_0001":  http.StatusOK,
		"/orders":           http.StatusOK,
		"/orders/ord%20001": http.StatusBadRequest,
		"/orders/-x":        http.StatusBadRequest,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Errorf("GET %s = %d, want %d", path, w.Code, want)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]string
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"much too long"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected oversized body to be rejected, got %d", w.Code)
	}
}
