package app

import (
	"fmt"
	"net/http"
)

// DomainError is the error shape mapped onto HTTP responses. Code is a
// stable machine-readable identifier; Details is optional structured
// context included in the response body.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errPhenotypeNotFound(id string) *DomainError {
	return domainError(http.StatusNotFound, "PHENOTYPE_NOT_FOUND", "Phenotype not found", map[string]string{"phenotypeId": id})
}

func errConsensusFinalized() *DomainError {
	return domainError(http.StatusConflict, "CONSENSUS_FINALIZED", "Consensus is finalized; unlock it first", nil)
}
