package quota

import (
	"testing"
)

func TestGetQuotaMultiplier(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		model string
		want  int
	}{
		{name: "tier3_4k_suffix", model: "gemini-3-pro-image-preview-4k", want: 4},
		{name: "tier3_4k_inside", model: "gemini-3-4k-ultra", want: 4},
		{name: "tier3_upper_case", model: "GEMINI-3-PRO-IMAGE-PREVIEW-4K", want: 4},
		{name: "tier3_loose_match", model: "my-gemini-3000-4k-special", want: 4},
		{name: "tier3_plain", model: "gemini-3-pro-image-preview", want: 2},
		{name: "tier3_mixed_case", model: "Gemini-3-Pro-Image-Preview", want: 2},
		{name: "flash", model: "gemini-2.5-flash-image-preview", want: 1},
		{name: "claude", model: "claude-3-7-sonnet-20250219", want: 1},
		{name: "4k_without_tier3", model: "imagen-4k", want: 1},
		{name: "empty", model: "", want: 1},
		{name: "whitespace", model: "   ", want: 1},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := GetQuotaMultiplier(tc.model); got != tc.want {
				t.Fatalf("GetQuotaMultiplier(%q) = %d, want %d", tc.model, got, tc.want)
			}
		})
	}
}

func TestGetQuotaMultiplierIsTotal(t *testing.T) {
	inputs := []string{"", "\x00", "🙂", "gemini-3", "4k", "gemini-34k", "GEMINI", "a\nb"}
	for _, in := range inputs {
		got := GetQuotaMultiplier(in)
		if got != 1 && got != 2 && got != 4 {
			t.Fatalf("GetQuotaMultiplier(%q) = %d, outside {1,2,4}", in, got)
		}
		if again := GetQuotaMultiplier(in); again != got {
			t.Fatalf("GetQuotaMultiplier(%q) not deterministic: %d then %d", in, got, again)
		}
	}
}

func TestCalculateQuotaCost(t *testing.T) {
	models := []string{"", "gemini-2.5-flash-image-preview", "gemini-3-pro-image-preview", "gemini-3-pro-image-preview-4k"}
	for _, m := range models {
		for n := 0; n <= 10; n++ {
			if got, want := CalculateQuotaCost(n, m), n*GetQuotaMultiplier(m); got != want {
				t.Fatalf("CalculateQuotaCost(%d, %q) = %d, want %d", n, m, got, want)
			}
		}
	}
}

func TestEditToolCost(t *testing.T) {
	if c, ok := EditToolCost("upscale"); !ok || c != 2 {
		t.Fatalf("upscale cost = %d, %v", c, ok)
	}
	if _, ok := EditToolCost("teleport"); ok {
		t.Fatal("unknown tool should not be priced")
	}
	if len(EditTools()) != len(editToolCosts) {
		t.Fatal("EditTools should list every tool")
	}
}
