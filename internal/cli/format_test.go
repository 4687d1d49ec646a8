package cli

import "testing"

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0.0 B"},
		{512, "512.0 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, c := range cases {
		if got := formatBytes(c.in); got != c.want {
			t.Errorf("formatBytes(%d): expected %q, got %q", c.in, c.want, got)
		}
	}
}

func TestFormatFloat(t *testing.T) {
	if got := formatFloat(12.345); got != "12.3" {
		t.Errorf("Expected 12.3, got %q", got)
	}
	if got := formatFloat(nil); got != "0.0" {
		t.Errorf("Expected 0.0 for missing value, got %q", got)
	}
}

func TestFormatOnline(t *testing.T) {
	if formatOnline(true) != "online" || formatOnline(false) != "offline" {
		t.Error("Unexpected online formatting")
	}
}
