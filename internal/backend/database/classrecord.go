package database

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidClassIndex is returned for indices that are not non-negative integers.
var ErrInvalidClassIndex = errors.New("invalid class index")

// ClassRecord is the human-facing metadata of one model output index.
type ClassRecord struct {
	Index       int    `db:"class_index" json:"classIndex"`
	Name        string `db:"class_name" json:"className"`
	Description string `db:"description" json:"description"`
}

// Normalize trims the text fields and converts them to NFC so that
// visually identical Arabic strings compare equal.
func (r ClassRecord) Normalize() ClassRecord {
	r.Name = NormalizeText(r.Name)
	r.Description = NormalizeText(r.Description)
	return r
}

func (r ClassRecord) Validate() error {
	if r.Index < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidClassIndex, r.Index)
	}
	if r.Name == "" {
		return fmt.Errorf("class %d has no name", r.Index)
	}
	return nil
}

// ParseClassIndex converts an index from a URL path or storage key.
func ParseClassIndex(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidClassIndex)
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClassIndex, s)
	}
	return i, nil
}

// NormalizeText trims s and converts it to Unicode NFC.
func NormalizeText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

func prepareRecord(r ClassRecord) (ClassRecord, error) {
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return ClassRecord{}, err
	}
	return r, nil
}
