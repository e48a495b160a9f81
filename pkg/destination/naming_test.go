package destination

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

func TestSanitizeTableName(t *testing.T) {
	tests := map[string]struct {
		name     string
		expected string
	}{
		"hyphens":                 {name: "production-account", expected: "production_account"},
		"spaces and slashes":      {name: "My Export/2024", expected: "my_export_2024"},
		"leading digit":           {name: "123abc", expected: "export_123abc"},
		"leading separator":       {name: "-abc", expected: "export_abc"},
		"empty":                   {name: "", expected: "export"},
		"special characters":      {name: "a!!b.c", expected: "abc"},
		"repeated underscores":    {name: "__a__b__", expected: "export_a_b"},
		"truncated to 50":         {name: strings.Repeat("a", 60), expected: strings.Repeat("a", 50)},
		"no trailing underscore":  {name: strings.Repeat("a", 49) + "-b", expected: strings.Repeat("a", 49)},
		"uppercase and backslash": {name: `CUR\Daily`, expected: "cur_daily"},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeTableName(tt.name))
		})
	}
}

func TestTableNamer(t *testing.T) {
	period := billing.MustParsePeriod("2024-01")
	tests := map[string]struct {
		template    string
		export      string
		expected    string
		expectedErr string
	}{
		"default template": {
			export:   "acct-1",
			expected: "acct_1_2024_01",
		},
		"custom template with sprig": {
			template: `{{ .Vendor | upper | lower }}_{{ .Export | sanitize }}_{{ .Period.Year }}`,
			export:   "acct-1",
			expected: "aws_acct_1_2024",
		},
		"unsanitized output is rejected": {
			template:    `{{ .Export }}`,
			export:      "acct-1",
			expectedErr: `table template produced invalid table name "acct-1"`,
		},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			namer, err := NewTableNamer(tt.template)
			require.NoError(t, err)
			got, err := namer.TableName("aws", tt.export, period)
			if tt.expectedErr != "" {
				assert.EqualError(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNewTableNamerInvalid(t *testing.T) {
	_, err := NewTableNamer("{{ .Export")
	assert.Error(t, err)
}

func TestStagingName(t *testing.T) {
	a := StagingName("acct_1_2024_01")
	b := StagingName("acct_1_2024_01")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, StagingPrefix("acct_1_2024_01")))
	assert.Len(t, a, len("acct_1_2024_01_staging_")+8)
	assert.True(t, IsStagingTable(a))
	assert.False(t, IsStagingTable("acct_1_2024_01"))
}

func TestMissingColumns(t *testing.T) {
	assert.Equal(t, []string{"c", "d"}, missingColumns([]string{"a", "b"}, []string{"b", "c", "d", "c"}))
	assert.Empty(t, missingColumns([]string{"a"}, []string{"a"}))
}
