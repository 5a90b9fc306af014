package types

import (
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type Validater interface {
	Validate() map[string]string
}

type QueryParams struct {
	Question string `json:"question" validate:"required"`
	K        int    `json:"k" validate:"gte=0,lte=50"`
}

type IngestParams struct {
	Root       string `json:"root"`
	Pattern    string `json:"pattern"`
	ChunkSize  int    `json:"chunk_size" validate:"gte=0"`
	Overlap    int    `json:"overlap" validate:"gte=0"`
	Collection string `json:"collection" validate:"omitempty,max=255"`
	Rebuild    bool   `json:"rebuild"`
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

func (params *QueryParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *IngestParams) Validate() map[string]string {
	errs := validateStruct(params)
	if params.ChunkSize > 0 && params.Overlap >= params.ChunkSize {
		if errs == nil {
			errs = make(map[string]string)
		}
		errs["Overlap"] = "must be smaller than chunk_size"
	}
	return errs
}

func validateStruct(s any) map[string]string {
	if err := validate.Struct(s); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return map[string]string{"request": err.Error()}
		}
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}

func NewValidationError(errors map[string]string) ValidationError {
	return ValidationError{
		Status: http.StatusUnprocessableEntity,
		Errors: errors,
	}
}

type ValidationError struct {
	Status int               `json:"status"`
	Errors map[string]string `json:"errors"`
}

func (e ValidationError) Error() string {
	return "validation failed"
}
