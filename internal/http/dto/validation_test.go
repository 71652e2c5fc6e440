package dto

import "testing"

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "url", Message: "is required"}
	if err.Error() != "url: is required" {
		t.Errorf("Error() = %q, want %q", err.Error(), "url: is required")
	}
}

func TestValidationError_ToMap(t *testing.T) {
	err := ValidationError{Field: "url", Message: "is required"}
	m := err.ToMap()
	if m["url"] != "is required" {
		t.Errorf("ToMap() = %v, want {url: is required}", m)
	}
}

func TestToResponse(t *testing.T) {
	errs := []ValidationError{
		{Field: "cache_id", Message: "is required"},
		{Field: "url", Message: "invalid URL format"},
	}
	resp := ToResponse(errs)
	expected := "cache_id: is required; url: invalid URL format"
	if resp != expected {
		t.Errorf("ToResponse() = %q, want %q", resp, expected)
	}
	if m := ToMap(errs); len(m) != 2 {
		t.Errorf("ToMap() returned %d items, want 2", len(m))
	}
}

func TestCacheLimitRequest_Validate(t *testing.T) {
	neg, zero, pos := int64(-1), int64(0), int64(500)
	tests := []struct {
		name    string
		limit   *int64
		wantErr bool
	}{
		{"missing", nil, true},
		{"negative", &neg, true},
		{"zero disables caching", &zero, false},
		{"positive", &pos, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := CacheLimitRequest{LimitMB: tt.limit}.Validate()
			if (len(errs) > 0) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", errs, tt.wantErr)
			}
		})
	}
}

func TestToggleRequest_Validate(t *testing.T) {
	if errs := (ToggleRequest{}).Validate(); len(errs) != 1 || errs[0].Field != "enabled" {
		t.Errorf("Expected enabled to be required, got %v", errs)
	}
	on := true
	if errs := (ToggleRequest{Enabled: &on}).Validate(); len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}
}

func TestArtworkRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		req    ArtworkRequest
		fields []string
	}{
		{"valid", ArtworkRequest{CacheID: "al-1", URL: "https://server/cover/al-1"}, nil},
		{"missing both", ArtworkRequest{}, []string{"cache_id", "url"}},
		{"bad scheme", ArtworkRequest{CacheID: "al-1", URL: "ftp://server/cover"}, []string{"url"}},
		{"relative", ArtworkRequest{CacheID: "al-1", URL: "/cover/al-1"}, []string{"url"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.req.Validate()
			if len(errs) != len(tt.fields) {
				t.Fatalf("Validate() = %v, want fields %v", errs, tt.fields)
			}
			for i, f := range tt.fields {
				if errs[i].Field != f {
					t.Errorf("errs[%d].Field = %q, want %q", i, errs[i].Field, f)
				}
			}
		})
	}
}

func TestPlayRequest_Validate(t *testing.T) {
	if errs := (PlayRequest{StreamURL: "http://server/rest/stream?id=1"}).Validate(); len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}
	if errs := (PlayRequest{}).Validate(); len(errs) != 1 {
		t.Errorf("Expected one error, got %v", errs)
	}
}
