package validation

import "testing"

func TestIsValidOrderID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"33486322123132", true},
		{"1", true},
		{"00042", true},

		{"", false},
		{"12ab34", false},
		{"-42", false},
		{"42.0", false},
		{" 42", false},
		{"123456789012345678901234567890123", false}, // 33 digits
	}

	for _, tc := range tests {
		if got := IsValidOrderID(tc.id); got != tc.valid {
			t.Errorf("IsValidOrderID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("name", "Anvar"),
		ValidOrderID("order_id", "33486322123132"),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("name", "  "),
		ValidOrderID("order_id", "not-numeric"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	want := "name: is required; order_id: must be a numeric order id"
	if errs.Error() != want {
		t.Errorf("Error() = %q, want %q", errs.Error(), want)
	}
}

func TestValidOrderIDSkipsEmpty(t *testing.T) {
	if err := ValidOrderID("order_id", "")(); err != nil {
		t.Errorf("empty value should pass ValidOrderID, got %v", err)
	}
}
