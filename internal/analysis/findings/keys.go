package findings

import (
	"regexp"
	"strings"
)

// Key is a canonical identifier for a clinical parameter a student can request.
type Key string

const (
	HeartRate       Key = "heart_rate"
	RespiratoryRate Key = "respiratory_rate"
	Temperature     Key = "temperature"
	BloodPressure   Key = "blood_pressure"
	MucousMembranes Key = "mucous_membranes"
	CapillaryRefill Key = "capillary_refill"
	Hydration       Key = "hydration"
	RumenMotility   Key = "rumen_motility"
	BodyCondition   Key = "body_condition"
	CBC             Key = "cbc"
	Chemistry       Key = "chemistry"
	BHB             Key = "bhb"
	PCV             Key = "pcv"
	Urinalysis      Key = "urinalysis"
	Radiographs     Key = "radiographs"
	Ultrasound      Key = "ultrasound"
)

type keyAliases struct {
	key     Key
	pattern *regexp.Regexp
}

func aliases(key Key, words ...string) keyAliases {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(w), " ", `\s+`)
	}
	return keyAliases{key: key, pattern: regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)}
}

// keyTable maps spoken or abbreviated forms to canonical keys, in reporting order.
var keyTable = []keyAliases{
	aliases(HeartRate, "heart rate", "hr", "pulse", "pulse rate", "bpm"),
	aliases(RespiratoryRate, "respiratory rate", "resp rate", "rr", "respirations", "breathing rate"),
	aliases(Temperature, "temperature", "temp", "rectal temperature"),
	aliases(BloodPressure, "blood pressure", "bp"),
	aliases(MucousMembranes, "mucous membranes", "mucous membrane", "gums"),
	aliases(CapillaryRefill, "capillary refill", "crt"),
	aliases(Hydration, "hydration", "dehydration", "skin tent"),
	aliases(RumenMotility, "rumen", "rumen contractions", "rumen motility"),
	aliases(BodyCondition, "body condition", "bcs"),
	aliases(CBC, "cbc", "complete blood count", "haematology", "hematology"),
	aliases(Chemistry, "chemistry", "chem", "biochemistry", "biochem", "chem panel"),
	aliases(BHB, "bhb", "beta-hydroxybutyrate", "betahydroxybutyrate", "ketones"),
	aliases(PCV, "pcv", "packed cell volume"),
	aliases(Urinalysis, "urinalysis", "urine"),
	aliases(Radiographs, "radiograph", "radiographs", "x-ray", "x-rays", "xray"),
	aliases(Ultrasound, "ultrasound", "ultrasound scan", "abdominal scan"),
}

// ParseRequestedKeys returns the canonical keys explicitly named in text, without duplicates.
func ParseRequestedKeys(text string) []Key {
	lowered := strings.ToLower(text)
	if strings.TrimSpace(lowered) == "" {
		return nil
	}

	var keys []Key
	for _, entry := range keyTable {
		if entry.pattern.MatchString(lowered) {
			keys = append(keys, entry.key)
		}
	}
	return keys
}
