package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidTaxID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"529.982.247-25", true},
		{"52998224725", true},
		{"11.222.333/0001-81", true},
		{"11222333000181", true},

		// Invalid cases
		{"529.982.247-24", false},     // Wrong CPF check digit
		{"11.222.333/0001-82", false}, // Wrong CNPJ check digit
		{"111.111.111-11", false},     // Repeated digits
		{"00000000000000", false},     // Repeated digits
		{"1234567", false},            // Wrong length
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidTaxID(tc.id); got != tc.valid {
			t.Errorf("IsValidTaxID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"pastor@comunidadeluz.org.br", true},
		{"a@b.co", true},
		{"no-at-sign", false},
		{"two@@example.com", false},
		{"spaces in@example.com", false},
		{"nodot@example", false},
	}

	for _, tc := range tests {
		if got := IsValidEmail(tc.email); got != tc.valid {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tc.email, got, tc.valid)
		}
	}
}

func TestIsValidPhone(t *testing.T) {
	if !IsValidPhone("(31) 98765-4321") {
		t.Error("mobile with area code should be valid")
	}
	if !IsValidPhone("+55 31 3333-4444") {
		t.Error("landline with country code should be valid")
	}
	if IsValidPhone("98765-4321") {
		t.Error("number without area code should be invalid")
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
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errors := Validate(
		Required("church.name", "Comunidade Luz"),
		ValidEmail("church.responsibleEmail", "ana@example.com"),
		ValidTaxID("church.taxId", "11.222.333/0001-81"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	errors = Validate(
		Required("church.name", ""),
		ValidEmail("church.responsibleEmail", "invalid"),
		ValidTaxID("church.taxId", "123"),
		ValidPhone("church.responsiblePhone", ""),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errors))
	}
	if errors.Error() != "church.name: is required" {
		t.Errorf("Error() = %q", errors.Error())
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"149.90", true},
		{"149,90", true},
		{"100", true},
		{"", true}, // omitted

		// Invalid
		{"0.00", false},
		{"1.999", false},
		{"abc", false},
		{"-1.00", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 10)(); err != nil {
		t.Error("Expected no error for string under limit")
	}
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/payments/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		path string
		code int
	}{
		{"/payments/pay_0123456789abcdef0123456789abcdef", http.StatusOK},
		{"/payments/pay_XYZ", http.StatusBadRequest},
		{"/payments/'; DROP TABLE", http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.URL.Path = tc.path
		r.ServeHTTP(w, req)
		if w.Code != tc.code {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.code)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"name":"Comunidade Luz"}`))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected oversized body to be rejected, got %d", w.Code)
	}
}
