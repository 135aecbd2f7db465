package model

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// MaxKeyBytes is the maximum length of a point key, in bytes.
const MaxKeyBytes = 768

// forbiddenKeyChars are the characters the underlying tree store reserves
// for paths and priorities.
const forbiddenKeyChars = ".$#[]/"

// ValidateKey checks that a key is a usable child name in the datastore:
// non-empty, at most MaxKeyBytes bytes, printable and free of reserved
// characters.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyBytes {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidKey, MaxKeyBytes)
	}
	if strings.ContainsAny(key, forbiddenKeyChars) {
		return fmt.Errorf("%w: key %q contains a reserved character (one of %q)", ErrInvalidKey, key, forbiddenKeyChars)
	}
	for _, r := range key {
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: key %q contains a non-printable character", ErrInvalidKey, key)
		}
	}
	return nil
}

// ValidateLocation checks that both coordinates are finite and on the globe.
func ValidateLocation(loc Location) error {
	if math.IsNaN(loc.Latitude) || math.IsInf(loc.Latitude, 0) ||
		math.IsNaN(loc.Longitude) || math.IsInf(loc.Longitude, 0) {
		return fmt.Errorf("%w: coordinates must be finite numbers", ErrInvalidLocation)
	}
	if loc.Latitude < -90 || loc.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v must be within [-90, 90]", ErrInvalidLocation, loc.Latitude)
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v must be within [-180, 180]", ErrInvalidLocation, loc.Longitude)
	}
	return nil
}

// Validate checks the criteria fields that are present. When requireAll is
// true (query construction) both center and radius must be set; on update
// either may be absent.
func (c Criteria) Validate(requireAll bool) error {
	if requireAll && c.Center == nil {
		return fmt.Errorf("%w: center is required", ErrInvalidCriteria)
	}
	if requireAll && c.RadiusKm == nil {
		return fmt.Errorf("%w: radius is required", ErrInvalidCriteria)
	}
	if c.Center == nil && c.RadiusKm == nil {
		return fmt.Errorf("%w: criteria must set center or radius", ErrInvalidCriteria)
	}
	if c.Center != nil {
		if err := ValidateLocation(*c.Center); err != nil {
			return fmt.Errorf("%w: center: %v", ErrInvalidCriteria, err)
		}
	}
	if c.RadiusKm != nil {
		r := *c.RadiusKm
		if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
			return fmt.Errorf("%w: radius %v must be a positive number of kilometers", ErrInvalidCriteria, r)
		}
	}
	return nil
}
