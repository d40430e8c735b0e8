package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/location"
)

func mustGazetteer(t *testing.T) *location.Gazetteer {
	t.Helper()
	g, err := location.DefaultGazetteer()
	require.NoError(t, err)
	return g
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	cases := map[string]enrich.Category{
		"Servicio":                     enrich.CategoryService,
		"  OBRAS ":                     enrich.CategoryWorks,
		"Categoría: Bienes":            enrich.CategoryGoods,
		"Consultoría de obra":          enrich.CategoryConsultancy,
		"La respuesta es **Servicio**": enrich.CategoryService,
	}
	for answer, want := range cases {
		got, err := ParseCategory(answer)
		require.NoError(t, err, answer)
		require.Equal(t, want, got, answer)
	}
	_, err := ParseCategory("no estoy seguro")
	require.ErrorIs(t, err, ErrUnparseableAnswer)
}

func TestParseLocationAnswer(t *testing.T) {
	t.Parallel()

	res, err := parseLocationAnswer("```json\n{\"departamento\":\"Cusco\",\"provincia\":\"Urubamba\",\"distrito\":\"N/A\",\"confianza\":\"Alta\"}\n```")
	require.NoError(t, err)
	require.Equal(t, location.Location{Department: "Cusco", Province: "Urubamba"}, res.Location)
	require.Equal(t, location.SourceAIHigh, res.Source)

	res, err = parseLocationAnswer(`{"departamento":"Lima","confianza":"baja"}`)
	require.NoError(t, err)
	require.Equal(t, location.SourceAILow, res.Source)

	_, err = parseLocationAnswer("no lo sé")
	require.ErrorIs(t, err, ErrUnparseableAnswer)
	_, err = parseLocationAnswer("{not json}")
	require.ErrorIs(t, err, ErrUnparseableAnswer)
}

func TestMissingLevelsPromptNamesOnlyGaps(t *testing.T) {
	t.Parallel()

	prompt := missingLevelsPrompt(enrich.Record{Entity: "E"}, location.Location{District: "Socabaya"})
	require.Contains(t, prompt, "Completa solo: departamento, provincia.")
}
