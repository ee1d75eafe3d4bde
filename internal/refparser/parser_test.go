package refparser

import "testing"

func TestParse_Valid(t *testing.T) {
	ref, err := Parse("tunnelkeeper://API_KEY")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Name != "API_KEY" {
		t.Errorf("Name = %q, want %q", ref.Name, "API_KEY")
	}
	if ref.Raw != "tunnelkeeper://API_KEY" {
		t.Errorf("Raw = %q", ref.Raw)
	}
}

func TestParse_Invalid(t *testing.T) {
	invalids := []string{
		"",
		"not-a-ref",
		"API_KEY",
		"tunnelkeeper://",
		"tunnelkeeper://1KEY",
		"tunnelkeeper://API-KEY",
		"tunnelkeeper://vault/item",
		"TUNNELKEEPER://API_KEY",
	}
	for _, ref := range invalids {
		if _, err := Parse(ref); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", ref)
		}
	}
}

func TestIsRef(t *testing.T) {
	if !IsRef("tunnelkeeper://X") {
		t.Error("IsRef should be true for tunnelkeeper:// prefix")
	}
	if IsRef("https://example.com") {
		t.Error("IsRef should be false for other schemes")
	}
}
