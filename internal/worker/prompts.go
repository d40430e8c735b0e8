package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/location"
)

// ErrUnparseableAnswer is returned when a model answer cannot be read.
var ErrUnparseableAnswer = errors.New("unparseable model answer")

func categorizePrompt(rec enrich.Record) string {
	var b strings.Builder
	b.WriteString("Clasifica el objeto de esta contratación pública peruana en exactamente una categoría: ")
	b.WriteString("Bien, Servicio, Obra o Consultoria. Responde solo con la categoría.\n\n")
	fmt.Fprintf(&b, "Entidad: %s\n", rec.Entity)
	fmt.Fprintf(&b, "Descripción: %s\n", rec.Description)
	if rec.ObjectType != "" {
		fmt.Fprintf(&b, "Tipo de objeto declarado: %s\n", rec.ObjectType)
	}
	return b.String()
}

var categoryWords = []struct {
	prefix   string
	category enrich.Category
}{
	{"consultor", enrich.CategoryConsultancy},
	{"obra", enrich.CategoryWorks},
	{"servicio", enrich.CategoryService},
	{"bien", enrich.CategoryGoods},
}

// ParseCategory reads the first category named in a model answer.
func ParseCategory(answer string) (enrich.Category, error) {
	for _, word := range strings.Fields(location.Fold(answer)) {
		for _, cw := range categoryWords {
			if strings.HasPrefix(word, cw.prefix) {
				return cw.category, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no category in %q", ErrUnparseableAnswer, truncate(answer, 80))
}

const locationAnswerFormat = `Responde solo con JSON: {"departamento":"","provincia":"","distrito":"","confianza":"alta|baja"}. ` +
	`Deja vacío lo que no puedas determinar.`

func entityPrompt(rec enrich.Record) string {
	return fmt.Sprintf("¿En qué departamento, provincia y distrito del Perú tiene jurisdicción la entidad pública %q?\n%s",
		rec.Entity, locationAnswerFormat)
}

func descriptionPrompt(rec enrich.Record) string {
	return fmt.Sprintf("Identifica la localidad del Perú donde se ejecuta esta contratación a partir de su descripción.\n"+
		"Descripción: %s\nEntidad: %s\n%s", rec.Description, rec.Entity, locationAnswerFormat)
}

func missingLevelsPrompt(rec enrich.Record, known location.Location) string {
	var missing []string
	if known.Department == "" {
		missing = append(missing, "departamento")
	}
	if known.Province == "" {
		missing = append(missing, "provincia")
	}
	if known.District == "" {
		missing = append(missing, "distrito")
	}
	return fmt.Sprintf("Ubicación conocida: departamento=%q provincia=%q distrito=%q (entidad %q).\n"+
		"Completa solo: %s.\n%s",
		known.Department, known.Province, known.District, rec.Entity, strings.Join(missing, ", "), locationAnswerFormat)
}

type locationAnswer struct {
	Department string `json:"departamento"`
	Province   string `json:"provincia"`
	District   string `json:"distrito"`
	Confidence string `json:"confianza"`
}

// parseLocationAnswer extracts the JSON object from a model answer, which may
// be wrapped in a markdown fence.
func parseLocationAnswer(answer string) (location.Resolution, error) {
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end < start {
		return location.Resolution{}, fmt.Errorf("%w: no JSON object in %q", ErrUnparseableAnswer, truncate(answer, 80))
	}
	var parsed locationAnswer
	if err := json.Unmarshal([]byte(answer[start:end+1]), &parsed); err != nil {
		return location.Resolution{}, fmt.Errorf("%w: %v", ErrUnparseableAnswer, err)
	}
	res := location.Resolution{
		Location: location.FromRecord(enrich.Record{
			Department: parsed.Department,
			Province:   parsed.Province,
			District:   parsed.District,
		}),
		Source: location.SourceAILow,
	}
	if location.Fold(parsed.Confidence) == "alta" {
		res.Source = location.SourceAIHigh
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
