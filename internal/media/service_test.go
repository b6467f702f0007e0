package media

import "testing"

func TestMediaType(t *testing.T) {
	cases := []struct {
		contentType string
		want        string
		wantErr     bool
	}{
		{"image/jpeg", "photo", false},
		{"image/png", "photo", false},
		{"image/webp", "photo", false},
		{"video/mp4", "video", false},
		{"video/webm", "video", false},
		{"application/pdf", "", true},
		{"text/html", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := MediaType(tc.contentType)
		if tc.wantErr {
			if err == nil {
				t.Errorf("MediaType(%q): expected error", tc.contentType)
			}
			continue
		}
		if err != nil {
			t.Errorf("MediaType(%q): %v", tc.contentType, err)
			continue
		}
		if got != tc.want {
			t.Errorf("MediaType(%q) = %q, want %q", tc.contentType, got, tc.want)
		}
	}
}
