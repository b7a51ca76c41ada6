package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource types handled by the export pipeline.
const (
	ResourceTypePatient              = "Patient"
	ResourceTypeExplanationOfBenefit = "ExplanationOfBenefit"
	ResourceTypeCoverage             = "Coverage"
	ResourceTypeOperationOutcome     = "OperationOutcome"
	ResourceTypeBundle               = "Bundle"
	ResourceTypeCapabilityStatement  = "CapabilityStatement"
)

// ExportableTypes lists the resource types a job may request.
var ExportableTypes = []string{
	ResourceTypePatient,
	ResourceTypeExplanationOfBenefit,
	ResourceTypeCoverage,
}

// IsExportable reports whether resourceType may be requested by an export job.
func IsExportable(resourceType string) bool {
	for _, t := range ExportableTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}

// Resource is the common header shared by every FHIR resource.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

// Patient carries the fields of a Patient resource the pipeline inspects.
type Patient struct {
	Resource
	Identifier []Identifier `json:"identifier,omitempty"`
}

// Record is one resource exactly as the upstream server returned it. Only the
// header is decoded; the body is written out untouched.
type Record struct {
	ResourceType string
	ID           string
	LastUpdated  *time.Time
	Raw          json.RawMessage
}

// DecodeRecord parses the header of raw and wraps it as a Record.
func DecodeRecord(raw json.RawMessage) (Record, error) {
	var hdr Resource
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return Record{}, fmt.Errorf("decode resource: %w", err)
	}
	if hdr.ResourceType == "" {
		return Record{}, fmt.Errorf("decode resource: missing resourceType")
	}
	rec := Record{ResourceType: hdr.ResourceType, ID: hdr.ID, Raw: raw}
	if hdr.Meta != nil {
		rec.LastUpdated = hdr.Meta.LastUpdated
	}
	return rec, nil
}

// NewRecord marshals v and returns it as a Record.
func NewRecord(v interface{}) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode resource: %w", err)
	}
	return DecodeRecord(data)
}

// MarshalJSON emits the original resource bytes.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}
