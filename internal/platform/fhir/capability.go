package fhir

// CapabilityStatement holds the parts of the server metadata used as a
// readiness probe.
type CapabilityStatement struct {
	ResourceType string    `json:"resourceType"`
	Status       string    `json:"status,omitempty"`
	Date         string    `json:"date,omitempty"`
	FHIRVersion  string    `json:"fhirVersion,omitempty"`
	Software     *Software `json:"software,omitempty"`
}

type Software struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}
