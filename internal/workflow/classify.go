package workflow

import (
	"math"
	"strings"
	"unicode"
)

type Classification struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
}

var hardwareKeywords = []string{
	"hardware", "installation", "antenna", "rru", "bbu", "cabinet", "rectifier",
	"battery", "tower", "feeder", "grounding", "microwave", "mw", "odu", "idu",
	"dismantle", "power", "pln", "civil", "rack", "cable",
}

var softwareKeywords = []string{
	"software", "integration", "license", "configuration", "parameter",
	"upgrade", "firmware", "commissioning", "kpi", "alarm",
	"noc", "oss", "script", "version", "patch",
}

// Classify guesses a document category from free text such as a title or
// file name. Confidence is the share of keyword hits that went to the
// winning side; text with hits on both sides at similar rates is COMBINED.
func Classify(text string) Classification {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	hw := countHits(tokens, hardwareKeywords)
	sw := countHits(tokens, softwareKeywords)
	total := hw + sw
	if total == 0 {
		return Classification{Category: CategoryUnknown, Confidence: 0}
	}

	hwShare := float64(hw) / float64(total)
	swShare := float64(sw) / float64(total)
	switch {
	case hwShare >= 0.7:
		return Classification{Category: CategoryHardware, Confidence: round2(hwShare)}
	case swShare >= 0.7:
		return Classification{Category: CategorySoftware, Confidence: round2(swShare)}
	default:
		// Balanced evidence; confidence grows the closer the split is to even.
		return Classification{Category: CategoryCombined, Confidence: round2(1 - math.Abs(hwShare-swShare))}
	}
}

func countHits(tokens, keywords []string) int {
	hits := 0
	for _, token := range tokens {
		for _, keyword := range keywords {
			if token == keyword {
				hits++
				break
			}
		}
	}
	return hits
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
