package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCitations_OrderedAndNumbered(t *testing.T) {
	report := `Postgres favors heap tables [pg docs](https://www.postgresql.org/docs/heap),
while ClickHouse is columnar [CH overview](https://clickhouse.com/overview).
See also [pg docs again](https://www.postgresql.org/docs/heap) for storage details.`

	cites := ExtractCitations(report)
	require.Len(t, cites, 2, "duplicate URLs collapse to one citation")

	assert.Equal(t, 1, cites[0].Number)
	assert.Equal(t, "pg docs", cites[0].Title)
	assert.Equal(t, "https://www.postgresql.org/docs/heap", cites[0].URL)
	assert.Equal(t, "postgresql.org", cites[0].Domain, "www. prefix is stripped")

	assert.Equal(t, 2, cites[1].Number)
	assert.Equal(t, "clickhouse.com", cites[1].Domain)
}

func TestExtractCitations_IgnoresNonHTTPLinks(t *testing.T) {
	report := `See [the appendix](#appendix) and [a file](file:///etc/passwd) but
trust [the source](https://example.com/paper).`

	cites := ExtractCitations(report)
	require.Len(t, cites, 1)
	assert.Equal(t, "https://example.com/paper", cites[0].URL)
}

func TestExtractCitations_Empty(t *testing.T) {
	assert.Empty(t, ExtractCitations("no links here"))
	assert.Empty(t, ExtractCitations(""))
}
