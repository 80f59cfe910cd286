// Package cards declares the structured-extraction schema for clinical
// problem cards. A problem card records a single clinical finding located
// in a document: what was found, where, and with what qualifiers
// (polarity, temporality, status, dosage for medications, value and unit
// for labs, and UMLS concept codings). The schema drives both the prompt
// instructions sent to the model and the validation of its output.
package cards

import "github.com/54b3r/docqa-go/internal/rag"

// Section OIDs appearing in clinical documents, from the HL7 CCD section
// templates. Listed for callers that want to group cards by section.
const (
	// SectionProblems is the problem list section OID.
	SectionProblems = "2.16.840.1.113883.10.20.22.2.5.1"
	// SectionMedications is the medications section OID.
	SectionMedications = "2.16.840.1.113883.10.20.22.2.1.1"
	// SectionResults is the lab results section OID.
	SectionResults = "2.16.840.1.113883.10.20.22.2.3.1"
)

// ProblemCardSchema returns the response schema for clinical problem-card
// extraction. The result is an array of cards, one per distinct finding in
// the supplied context.
func ProblemCardSchema() *rag.ResponseSchema {
	return &rag.ResponseSchema{
		Name:        "problemCard",
		Array:       true,
		Description: "Extract every distinct clinical finding (problem, medication, or lab result) mentioned in the context as a separate card.",
		Fields: []rag.Field{
			{Name: "name", Type: rag.TypeString, Description: "canonical name of the finding"},
			{Name: "sectionOid", Type: rag.TypeString, Nullable: true, Description: "OID of the document section the finding appears in"},
			{Name: "sectionName", Type: rag.TypeString, Nullable: true, Description: "human-readable section name"},
			{Name: "sectionOffset", Type: rag.TypeNumber, Nullable: true, Description: "character offset of the section within the document"},
			{Name: "sentence", Type: rag.TypeString, Description: "the sentence the finding was extracted from"},
			{Name: "extendedSentence", Type: rag.TypeString, Nullable: true, Description: "the sentence with surrounding context"},
			{Name: "text", Type: rag.TypeString, Description: "the exact text span naming the finding"},
			{Name: "attributes", Type: rag.TypeObject, Description: "qualifiers for the finding", Fields: []rag.Field{
				{Name: "derivedGeneric", Type: rag.TypeBool, Description: "whether the name was normalized to a generic term"},
				{Name: "polarity", Type: rag.TypeString, Enum: []string{"positive", "negated"}, Description: "whether the finding is asserted or negated"},
				{Name: "relTime", Type: rag.TypeString, Enum: []string{"current status", "history status", "family history status", "probably status"}, Description: "temporal status of the finding"},
				{Name: "date", Type: rag.TypeString, Nullable: true, Description: "date associated with the finding, if stated"},
				{Name: "status", Type: rag.TypeString, Nullable: true, Enum: []string{"stable", "unstable", "controlled", "not controlled", "deteriorating", "getting worse", "improving", "resolved", "resolving", "unresolved", "well-controlled", "worsening"}, Description: "clinical status qualifier"},
				{Name: "medDosage", Type: rag.TypeString, Nullable: true, Description: "medication dosage as written"},
				{Name: "medForm", Type: rag.TypeString, Nullable: true, Description: "medication form, e.g. tablet or capsule"},
				{Name: "medFrequencyNumber", Type: rag.TypeString, Nullable: true, Description: "medication frequency count"},
				{Name: "medFrequencyUnit", Type: rag.TypeString, Nullable: true, Description: "medication frequency unit, e.g. day"},
				{Name: "medRoute", Type: rag.TypeString, Nullable: true, Description: "medication route, e.g. oral"},
				{Name: "medStrengthNum", Type: rag.TypeString, Nullable: true, Description: "medication strength value"},
				{Name: "medStrengthUnit", Type: rag.TypeString, Nullable: true, Description: "medication strength unit, e.g. mg"},
				{Name: "labUnit", Type: rag.TypeString, Nullable: true, Description: "lab result unit"},
				{Name: "labValue", Type: rag.TypeString, Nullable: true, Description: "lab result value"},
				{Name: "umlsConcept", Type: rag.TypeArray, Nullable: true, Description: "UMLS concept codings for the finding", Fields: []rag.Field{
					{Name: "codingScheme", Type: rag.TypeString, Description: "coding scheme, e.g. SNOMEDCT_US or RXNORM"},
					{Name: "cui", Type: rag.TypeString, Description: "UMLS concept unique identifier"},
					{Name: "tui", Type: rag.TypeString, Nullable: true, Description: "UMLS semantic type identifier"},
					{Name: "code", Type: rag.TypeString, Description: "code within the coding scheme"},
					{Name: "preferredText", Type: rag.TypeString, Nullable: true, Description: "preferred term for the concept"},
				}},
			}},
		},
	}
}
