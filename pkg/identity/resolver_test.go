package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-lab/strata/pkg/storage"
	"github.com/strata-lab/strata/pkg/types"
)

func newTestResolver(t *testing.T) (*Resolver, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewResolver(store), store
}

func seedDataset(t *testing.T, store storage.Store, uuid, name, slug string, numericID int, owner string) *types.Dataset {
	t.Helper()
	ds := &types.Dataset{
		UUID:       uuid,
		Name:       name,
		Slug:       slug,
		NumericID:  numericID,
		OwnerEmail: owner,
		Sensor:     types.SensorTIFF,
		Status:     types.StatusDone,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, store.CreateDataset(ds))
	return ds
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name     string
		human    string
		email    string
		year     int
		expected string
	}{
		{"simple", "My Data", "a@ex.com", 2024, "a-my-data-2024"},
		{"punctuation collapsed", "Scan #42 (final!!)", "bob@lab.org", 2026, "bob-scan-42-final-2026"},
		{"dotted email prefix", "probe", "jane.doe@lab.org", 2026, "jane-probe-2026"},
		{"unicode stripped", "données α", "a@ex.com", 2026, "a-donn-es-2026"},
		{"leading and trailing runs", "--edge--", "a@ex.com", 2026, "a-edge-2026"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Slugify(tt.human, tt.email, tt.year))
		})
	}
}

func TestResolveHeuristicOrder(t *testing.T) {
	resolver, store := newTestResolver(t)
	ds := seedDataset(t, store, "123e4567-e89b-12d3-a456-426614174000", "My Data", "a-my-data-2024", 12345, "a@ex.com")

	// Every identifier form resolves to the same record
	forms := []string{
		"123e4567-e89b-12d3-a456-426614174000",
		"12345",
		"a-my-data-2024",
		"My Data",
	}
	for _, form := range forms {
		got, err := resolver.Resolve(form, "")
		require.NoError(t, err, "form %q", form)
		assert.Equal(t, ds.UUID, got.UUID, "form %q", form)
	}
}

func TestResolveDigitsPreferNumericID(t *testing.T) {
	resolver, store := newTestResolver(t)
	// A dataset literally named "12345" and one with numeric id 12345
	byNumber := seedDataset(t, store, "aaaaaaaa-0000-0000-0000-000000000001", "Numbered", "a-numbered-2026", 12345, "a@ex.com")
	seedDataset(t, store, "aaaaaaaa-0000-0000-0000-000000000002", "12345", "a-12345-2026", 54321, "a@ex.com")

	got, err := resolver.Resolve("12345", "")
	require.NoError(t, err)
	assert.Equal(t, byNumber.UUID, got.UUID, "digit strings resolve by numeric id first")
}

func TestResolveNotFound(t *testing.T) {
	resolver, _ := newTestResolver(t)

	_, err := resolver.Resolve("missing-thing", "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = resolver.Resolve("", "")
	assert.True(t, types.IsValidation(err))
}

func TestResolveAmbiguousName(t *testing.T) {
	resolver, store := newTestResolver(t)
	seedDataset(t, store, "aaaaaaaa-0000-0000-0000-000000000001", "Shared Name", "a-shared-name-2026", 11111, "a@ex.com")
	seedDataset(t, store, "aaaaaaaa-0000-0000-0000-000000000002", "Shared Name", "b-shared-name-2026", 22222, "b@ex.com")

	// Global name lookup with two owners is ambiguous
	_, err := resolver.Resolve("Shared Name", "")
	assert.ErrorIs(t, err, types.ErrAmbiguousIdentifier)

	// Scoped to one owner it resolves
	got, err := resolver.Resolve("Shared Name", "b@ex.com")
	require.NoError(t, err)
	assert.Equal(t, "b@ex.com", got.OwnerEmail)
}

func TestUniqueSlugSuffixes(t *testing.T) {
	resolver, store := newTestResolver(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	first, err := resolver.UniqueSlug("My Data", "a@ex.com", now)
	require.NoError(t, err)
	assert.Equal(t, "a-my-data-2026", first)

	seedDataset(t, store, "aaaaaaaa-0000-0000-0000-000000000001", "My Data", first, 11111, "a@ex.com")

	second, err := resolver.UniqueSlug("My Data", "other@ex.com", now)
	require.NoError(t, err)
	assert.Equal(t, "other-my-data-2026", second)

	// Same owner, same name, same year collides and suffixes
	third, err := resolver.UniqueSlug("My Data", "a@ex.com", now)
	require.NoError(t, err)
	assert.Equal(t, "a-my-data-2026-2", third)
}

func TestMintNumericID(t *testing.T) {
	resolver, _ := newTestResolver(t)

	a, err := resolver.MintNumericID()
	require.NoError(t, err)
	b, err := resolver.MintNumericID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, a, 10000)
}
