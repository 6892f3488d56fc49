package brief

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/MimeLyc/contentpipe/internal/apperr"
)

var validate = validator.New()

// Validate checks the brief's fields. It does not require an outline; see
// ValidateOutline for what the draft pass needs.
func (b *Brief) Validate() error {
	if b == nil {
		return apperr.Validation("brief is nil")
	}
	if err := validate.Struct(b); err != nil {
		return apperr.Wrap(err, apperr.ErrValidation, describe(err)).WithContext("brief", b.ID)
	}
	return nil
}

// ValidateOutline rejects an empty outline and duplicate or blank section keys.
func (b *Brief) ValidateOutline() error {
	if err := b.Validate(); err != nil {
		return err
	}
	if len(b.Outline) == 0 {
		return apperr.Validation("brief %s has an empty outline", b.ID)
	}
	seen := make(map[string]struct{}, len(b.Outline))
	for _, s := range b.Outline {
		key := strings.TrimSpace(s.Key)
		if key == "" {
			return apperr.Validation("brief %s has a section without a key", b.ID)
		}
		if _, dup := seen[key]; dup {
			return apperr.Validation("brief %s has duplicate section key %q", b.ID, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return "invalid brief: " + strings.Join(parts, "; ")
}
