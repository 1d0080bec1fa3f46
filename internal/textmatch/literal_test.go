package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLiteralText(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
		ok     bool
	}{
		{"A poster for Hackathon with text 'Hackathon 2025'", "Hackathon 2025", true},
		{`A neon sign saying "Open Late"`, "Open Late", true},
		{"A banner reading “Grand Opening”", "Grand Opening", true},
		{"Joe's diner with a sign saying 'Fresh Pie'", "Fresh Pie", true},
		{"A chalkboard saying Soup of the day, with flowers", "Soup of the day", true},
		{"A storefront with the text Fresh Bread", "Fresh Bread", true},
		{"Minimal poster, text: Grand Opening; bold serif", "Grand Opening", true},
		{"A photo of a beach with no text on it", "", false},
		{"A minimal logo, text free, soft pastel colors", "", false},
		{"A beautiful sunset over mountains", "", false},
		{"Joe's garage at dusk", "", false},
		{"", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.prompt, func(t *testing.T) {
			got, ok := LiteralText(tc.prompt)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
