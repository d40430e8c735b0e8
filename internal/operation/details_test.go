package operation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

func TestDetailsJSONIsFlat(t *testing.T) {
	t.Parallel()

	d := categorizeDetails()
	d.Kind = enrich.KindCategorize
	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	require.Equal(t, "categorize", flat["kind"])
	require.EqualValues(t, 3, flat["updated"])
	require.EqualValues(t, 3, flat["process_count"])
	require.Equal(t, map[string]any{"Servicio": 2.0, "Obra": 1.0}, flat["distribucionCategorias"])

	var back Details
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, d, back)
}

func TestDetailsUnmarshalRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	var d Details
	require.ErrorIs(t, json.Unmarshal([]byte(`{"kind":"mystery"}`), &d), ErrInvalidKind)
}

func TestDetailsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Details{Scrape: &ScrapeDetails{}}.Validate(enrich.KindScrape))
	require.NoError(t, Details{Location: &LocationDetails{}}.Validate(enrich.KindInferLocation))
	require.ErrorIs(t, Details{}.Validate(enrich.KindScrape), ErrDetailsMismatch)
	require.ErrorIs(t, Details{Scrape: &ScrapeDetails{}}.Validate(enrich.KindCategorize), ErrDetailsMismatch)
	require.ErrorIs(t, Details{
		Scrape:     &ScrapeDetails{},
		Categorize: &CategorizeDetails{},
	}.Validate(enrich.KindScrape), ErrDetailsMismatch)
	require.ErrorIs(t, Details{Kind: enrich.KindScrape, Categorize: &CategorizeDetails{}}.Validate(enrich.KindCategorize), ErrDetailsMismatch)
}

func TestPercentHelpers(t *testing.T) {
	t.Parallel()

	require.Zero(t, Percent(5, 0))
	require.Equal(t, 33, Percent(1, 3))
	require.Equal(t, 67, Percent(2, 3))
	require.Equal(t, 50, Percent(1, 2))
	require.Equal(t, 100, Percent(4, 4))

	require.Zero(t, Percentage(3, 0))
	require.Equal(t, 50, Percentage(5, 10))
	require.Equal(t, 99, Percentage(10, 10))
}
