package diskspace

import "testing"

func TestStepText(t *testing.T) {
	tests := []struct {
		total, free uint64
		want        string
	}{
		{total: 50 * gb, free: 10 * gb, want: "[40GB/50GB used (80%)]"},
		{total: 500 * gb, free: 500 * gb, want: "[0GB/500GB used (0%)]"},
		{total: 100*gb + gb/2, free: gb / 4, want: "[100GB/100GB used (100%)]"},
		{total: gb / 2, free: 0, want: "[0GB/0GB used (0%)]"},
	}

	for _, tc := range tests {
		if got := StepText(tc.total, tc.free); got != tc.want {
			t.Errorf("StepText(%d, %d): expected %q, got %q", tc.total, tc.free, tc.want, got)
		}
	}
}

func TestUsage(t *testing.T) {
	total, free, err := Usage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if total == 0 || free > total {
		t.Fatalf("implausible usage: total %d, free %d", total, free)
	}

	if _, _, err := Usage("/does/not/exist"); err == nil {
		t.Fatal("expected error for missing path")
	}
}
