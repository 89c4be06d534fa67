package research

import "time"

// UnknownText is shown to consumers for a brief field that is not known.
const UnknownText = "Unknown"

// Confidence rates how well-supported a brief is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Valid reports whether c is a known rating.
func (c Confidence) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// Brief is the call brief produced for a subject.
//
// A nil text field means "not known"; an empty string means the synthesis
// stage explicitly returned nothing. Both are stored and returned as given.
type Brief struct {
	ID      string  `json:"id"`
	Subject Subject `json:"subject"`

	// CallStrategy
	OpeningLine        *string  `json:"openingLine"`
	DiscoveryQuestions []string `json:"discoveryQuestions"`
	SuccessOutcome     *string  `json:"successOutcome"`
	WatchOuts          *string  `json:"watchOuts"`

	// DeepDive
	WhatTheyDo *string `json:"whatTheyDo"`
	PainPoints *string `json:"painPoints"`
	HowWeFit   *string `json:"howWeFit"`

	Confidence Confidence `json:"confidenceRating"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Display renders an optional brief field for people.
func Display(s *string) string {
	if s == nil {
		return UnknownText
	}
	return *s
}
