package models

// FUNVISIS publishes its catalogue as a GeoJSON FeatureCollection whose property names
// come from a store-locator template: phone carries the magnitude, city the time,
// postalCode the date and phoneFormatted the depth.

// RawCollection is the upstream document.
type RawCollection struct {
	Type     string       `json:"type"`
	Features []RawFeature `json:"features"`
}

// RawFeature is one upstream item before normalization.
type RawFeature struct {
	Type       string        `json:"type"`
	Geometry   RawGeometry   `json:"geometry"`
	Properties RawProperties `json:"properties"`
}

// RawGeometry holds [lng, lat] coordinates and the upstream marker name.
type RawGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
	Marcador    string    `json:"marcador"`
}

// RawProperties are all strings upstream, including the numeric fields.
type RawProperties struct {
	PhoneFormatted string `json:"phoneFormatted"`
	Phone          string `json:"phone"`
	Address        string `json:"address"`
	City           string `json:"city"`
	Country        string `json:"country"`
	PostalCode     string `json:"postalCode"`
	State          string `json:"state"`
	Lat            string `json:"lat"`
	Long           string `json:"long"`
}
