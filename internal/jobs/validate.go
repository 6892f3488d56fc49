package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/MimeLyc/contentpipe/internal/apperr"
)

var validate = validator.New()

// ValidateJob checks a job against its schema and lifecycle invariants.
// Stores call it before accepting a write.
func ValidateJob(j *Job) error {
	if j == nil {
		return apperr.Validation("job is nil")
	}
	if err := validate.Struct(j); err != nil {
		return apperr.Wrap(err, apperr.ErrValidation, describe("job", err)).WithContext("job", j.ID)
	}
	if j.Status == StatusCompleted {
		if j.CurrentPass != TotalPasses {
			return apperr.Validation("completed job %s must be at pass %d, got %d", j.ID, TotalPasses, j.CurrentPass)
		}
		if j.FinalAuditScore == nil {
			return apperr.Validation("completed job %s has no audit score", j.ID)
		}
	}
	return nil
}

func ValidateSection(s *Section) error {
	if s == nil {
		return apperr.Validation("section is nil")
	}
	if err := validate.Struct(s); err != nil {
		return apperr.Wrap(err, apperr.ErrValidation, describe("section", err)).
			WithContext("job", s.JobID).
			WithContext("section", s.SectionKey)
	}
	return nil
}

func describe(entity string, err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Sprintf("invalid %s: %s", entity, strings.Join(parts, "; "))
}
