package model

// ScrapedEvent is one event record as the completion model returns it.
// Field names match the response schema the prompts were written
// against; missing fields default during materialization.
type ScrapedEvent struct {
	EventName            string   `json:"eventName"`
	EventDate            string   `json:"eventDate"`
	EventStartTime       string   `json:"eventStartTime"`
	EntryPriceInEuros    int      `json:"entryPriceInEuros"`
	MusicGenresInEnglish []string `json:"musicGenresInEnglish"`
	EventTypesInEnglish  []string `json:"eventTypesInEnglish"`
	PartyTypesInEnglish  []string `json:"partyTypesInEnglish"`
	PerformingArtists    []string `json:"performingArtists"`
	ShortDescription     string   `json:"shortEventDescriptionInEnglish"`
	LongDescription      string   `json:"longEventDescriptionInEnglish"`
	EventOrganizers      []string `json:"eventOrganizers"`
	TicketsURL           string   `json:"ticketsUrl"`
	EventCanonicalURL    string   `json:"eventCaniconalUrl"`
	EventImageURL        string   `json:"eventImageUrl"`
}

// HasMarker reports whether the record carries the fields used to
// recognize event objects among arbitrary JSON shapes.
func (e ScrapedEvent) HasMarker() bool {
	return e.ShortDescription != "" || e.EventName != ""
}
