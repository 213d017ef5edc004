// Package identity maps the four equivalent dataset identifiers (uuid,
// name, slug, numeric id) onto the canonical record, and derives the two
// minted ones (slug, numeric id) at dataset creation.
package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/strata-lab/strata/pkg/types"
)

var (
	uuidPattern   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	digitsPattern = regexp.MustCompile(`^[0-9]+$`)
	nonAlnum      = regexp.MustCompile(`[^a-z0-9]+`)
)

// Store is the catalog subset the resolver reads
type Store interface {
	GetDataset(uuid string) (*types.Dataset, error)
	GetDatasetBySlug(slug string) (*types.Dataset, error)
	GetDatasetByNumericID(numericID int) (*types.Dataset, error)
	GetDatasetByOwnerAndName(ownerEmail, name string) (*types.Dataset, error)
	FindDatasetsByName(name string) ([]*types.Dataset, error)
	NextNumericID() (int, error)
}

// Resolver resolves any identifier form to a dataset record
type Resolver struct {
	store Store
}

// NewResolver creates a resolver backed by the given store
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve applies the identifier heuristic in order; the first form that
// matches wins. ownerHint scopes a name lookup to one owner; when empty the
// name lookup is global and more than one hit is AmbiguousIdentifier.
func (r *Resolver) Resolve(identifier, ownerHint string) (*types.Dataset, error) {
	if identifier == "" {
		return nil, types.NewValidationError("identifier", "must not be empty")
	}

	if uuidPattern.MatchString(identifier) {
		return r.store.GetDataset(strings.ToLower(identifier))
	}

	if digitsPattern.MatchString(identifier) {
		n, err := strconv.Atoi(identifier)
		if err != nil {
			return nil, types.NewValidationError("identifier", "numeric id out of range")
		}
		return r.store.GetDatasetByNumericID(n)
	}

	if ds, err := r.store.GetDatasetBySlug(identifier); err == nil {
		return ds, nil
	}

	// Name lookup, scoped when the owner is known
	if ownerHint != "" {
		return r.store.GetDatasetByOwnerAndName(ownerHint, identifier)
	}
	matches, err := r.store.FindDatasetsByName(identifier)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("dataset not found: %s: %w", identifier, types.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("name %q matches %d datasets: %w", identifier, len(matches), types.ErrAmbiguousIdentifier)
	}
}

// Slugify derives the URL-safe identifier from the human name: lower-case,
// non-alphanumeric runs collapsed to single hyphens, prefixed with the
// first segment of the owner email and suffixed with the four-digit year.
func Slugify(name, ownerEmail string, year int) string {
	base := strings.ToLower(name)
	base = nonAlnum.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")

	prefix := ownerEmail
	if at := strings.IndexByte(ownerEmail, '@'); at >= 0 {
		prefix = ownerEmail[:at]
	}
	if dot := strings.IndexByte(prefix, '.'); dot >= 0 {
		prefix = prefix[:dot]
	}
	prefix = strings.ToLower(nonAlnum.ReplaceAllString(prefix, "-"))
	prefix = strings.Trim(prefix, "-")

	return fmt.Sprintf("%s-%s-%d", prefix, base, year)
}

// UniqueSlug derives the slug for a new dataset and suffixes -2, -3, ...
// until it does not collide with an existing one.
func (r *Resolver) UniqueSlug(name, ownerEmail string, now time.Time) (string, error) {
	base := Slugify(name, ownerEmail, now.Year())
	slug := base
	for i := 2; ; i++ {
		_, err := r.store.GetDatasetBySlug(slug)
		if err != nil {
			// Not found means the slug is free
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
		if i > 1000 {
			return "", fmt.Errorf("could not derive unique slug for %q", name)
		}
	}
}

// MintNumericID draws from the store's monotonic counter. Collisions are
// already skipped inside the counter, so a single draw suffices.
func (r *Resolver) MintNumericID() (int, error) {
	return r.store.NextNumericID()
}
