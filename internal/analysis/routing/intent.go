package routing

import (
	"regexp"
	"strings"

	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
)

type switchPattern struct {
	key     persona.RoleKey
	pattern *regexp.Regexp
}

const (
	ownerNouns = `(?:owner|client|farmer|producer|guardian)`
	nurseNouns = `(?:veterinary nurse|vet nurse|nurse|technician|vet tech|tech)`

	// "ask" only counts when the student is the one asking; "could you ask the owner"
	// is a message relayed through the current persona.
	firstPersonAsk = `(?:(?:can|could|may)\s+i|let\s+me|i(?:'d|\s+would)\s+like\s+to|i\s+(?:want|need)\s+to)\s+ask\s+`
)

// switchPatterns is scanned in order; owner phrasing is checked before nurse phrasing.
var switchPatterns = []switchPattern{
	{persona.Owner, regexp.MustCompile(`\b(?:talk|speak|chat)\s+(?:to|with)\s+(?:the\s+)?` + ownerNouns + `\b`)},
	{persona.Owner, regexp.MustCompile(`\bswitch\s+(?:back\s+)?to\s+(?:the\s+)?` + ownerNouns + `\b`)},
	{persona.Owner, regexp.MustCompile(`\b` + firstPersonAsk + `(?:the\s+)?` + ownerNouns + `\b`)},
	{persona.Owner, regexp.MustCompile(`\b(?:call|get|bring(?:\s+in)?)\s+(?:the\s+)?` + ownerNouns + `\b`)},
	{persona.Owner, regexp.MustCompile(`\bback\s+to\s+(?:the\s+)?` + ownerNouns + `\b`)},
	{persona.VeterinaryNurse, regexp.MustCompile(`\b(?:talk|speak|chat)\s+(?:to|with)\s+(?:the\s+)?` + nurseNouns + `\b`)},
	{persona.VeterinaryNurse, regexp.MustCompile(`\bswitch\s+(?:back\s+)?to\s+(?:the\s+)?` + nurseNouns + `\b`)},
	{persona.VeterinaryNurse, regexp.MustCompile(`\b` + firstPersonAsk + `(?:the\s+)?` + nurseNouns + `\b`)},
	{persona.VeterinaryNurse, regexp.MustCompile(`\b(?:call|get|bring(?:\s+in)?)\s+(?:the\s+)?` + nurseNouns + `\b`)},
	{persona.VeterinaryNurse, regexp.MustCompile(`\bback\s+to\s+(?:the\s+)?` + nurseNouns + `\b`)},
}

var labRequestPattern = regexp.MustCompile(`\b(?:blood\s?work|bloods|blood\s+(?:test|draw|sample|panel)s?|cbc|complete blood count|chem(?:istry)?|biochem(?:istry)?|ha?ematology|pcv|bhb|ketones?|urinalysis|urine|fa?ecal|culture|cytology|x-?rays?|radiographs?|ultrasound|imaging|results?|lab(?:oratory)?|tests?|panel)\b`)

// DetectSwitch reports an explicit request to talk to a different persona.
// Most utterances match nothing and the second result is false.
func DetectSwitch(text string) (persona.RoleKey, bool) {
	lowered := strings.ToLower(text)
	if strings.TrimSpace(lowered) == "" {
		return persona.RoleKey{}, false
	}
	for _, p := range switchPatterns {
		if p.pattern.MatchString(lowered) {
			return p.key, true
		}
	}
	return persona.RoleKey{}, false
}

// LooksLikeLabRequest flags laboratory or diagnostic-imaging vocabulary.
func LooksLikeLabRequest(text string) bool {
	return labRequestPattern.MatchString(strings.ToLower(text))
}
