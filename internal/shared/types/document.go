package types

import (
	"fmt"
	"regexp"
	"strings"
)

// DocumentType is the code of an identity document accepted for patient lookup.
type DocumentType string

const (
	DocTypeCitizenID       DocumentType = "CC" // cedula de ciudadania
	DocTypeForeignerID     DocumentType = "CE" // cedula de extranjeria
	DocTypeMinorID         DocumentType = "TI" // tarjeta de identidad
	DocTypePassport        DocumentType = "PA"
	DocTypeCivilRegistry   DocumentType = "RC"
	DocTypeUnidentifiedMin DocumentType = "MS" // minor without identification
	DocTypeUnidentifiedAdu DocumentType = "AS" // adult without identification
	DocTypeDiplomatic      DocumentType = "CD"
)

// documentTypeByID maps the legacy numeric type ids still used by older
// clients and the HIS feed to their document type codes.
var documentTypeByID = map[int]DocumentType{
	1: DocTypeCitizenID,
	2: DocTypeForeignerID,
	3: DocTypeMinorID,
	4: DocTypePassport,
	5: DocTypeCivilRegistry,
	6: DocTypeUnidentifiedMin,
	7: DocTypeUnidentifiedAdu,
	8: DocTypeDiplomatic,
}

// DocumentTypeFromID resolves a legacy numeric document type id.
// Unknown ids fall back to CC, matching the legacy system's behavior.
func DocumentTypeFromID(id int) DocumentType {
	if dt, ok := documentTypeByID[id]; ok {
		return dt
	}
	return DocTypeCitizenID
}

// NumericID returns the legacy numeric id for the document type, 0 if unknown.
func (d DocumentType) NumericID() int {
	for id, dt := range documentTypeByID {
		if dt == d {
			return id
		}
	}
	return 0
}

// IsValid reports whether the document type is one of the accepted codes.
func (d DocumentType) IsValid() bool {
	return d.NumericID() != 0
}

func (d DocumentType) String() string {
	return string(d)
}

var documentNumberRegex = regexp.MustCompile(`^[A-Za-z0-9-]{3,20}$`)

// PatientIdentity is the external lookup key for a patient: an identity
// document type plus its number. Immutable once a query is issued.
type PatientIdentity struct {
	DocumentType   DocumentType `json:"document_type"`
	DocumentNumber string       `json:"document_number"`
}

// NewPatientIdentity validates and builds a patient identity.
func NewPatientIdentity(docType DocumentType, number string) (PatientIdentity, error) {
	number = strings.TrimSpace(number)
	if !docType.IsValid() {
		return PatientIdentity{}, fmt.Errorf("unknown document type %q", docType)
	}
	if !documentNumberRegex.MatchString(number) {
		return PatientIdentity{}, fmt.Errorf("document number must be 3-20 alphanumeric characters")
	}
	return PatientIdentity{DocumentType: docType, DocumentNumber: number}, nil
}

// String returns the identity in "TYPE NUMBER" form for logs and messages.
func (p PatientIdentity) String() string {
	return fmt.Sprintf("%s %s", p.DocumentType, p.DocumentNumber)
}

// Masked returns a display form with most of the document number hidden.
func (p PatientIdentity) Masked() string {
	n := p.DocumentNumber
	if len(n) <= 3 {
		return fmt.Sprintf("%s ***", p.DocumentType)
	}
	return fmt.Sprintf("%s %s%s", p.DocumentType, strings.Repeat("*", len(n)-3), n[len(n)-3:])
}
