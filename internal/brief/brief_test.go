package brief

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func sampleBrief() *Brief {
	return &Brief{
		ID:       "brief-1",
		Title:    "Choosing a heat pump",
		Language: "en",
		Outline: []OutlineSection{
			{Key: "conclusion", Heading: "Conclusion", Order: 2},
			{Key: "intro", Heading: "Introduction", Order: 0},
			{Key: "body", Heading: "How heat pumps work", Order: 1},
		},
	}
}

func TestBrief_SortedOutline(t *testing.T) {
	b := sampleBrief()
	sorted := b.SortedOutline()

	keys := make([]string, 0, len(sorted))
	for _, s := range sorted {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{"intro", "body", "conclusion"}, keys)
	// original slice untouched
	assert.Equal(t, "conclusion", b.Outline[0].Key)
}

func TestBrief_ValidateOutline(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(b *Brief)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Brief) {}},
		{name: "empty outline", mutate: func(b *Brief) { b.Outline = nil }, wantErr: true},
		{name: "duplicate key", mutate: func(b *Brief) { b.Outline[1].Key = "conclusion" }, wantErr: true},
		{name: "blank heading", mutate: func(b *Brief) { b.Outline[0].Heading = "" }, wantErr: true},
		{name: "missing title", mutate: func(b *Brief) { b.Title = "" }, wantErr: true},
		{name: "negative order", mutate: func(b *Brief) { b.Outline[0].Order = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := sampleBrief()
			tt.mutate(b)
			err := b.ValidateOutline()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperr.IsType(err, apperr.ErrValidation))
		})
	}
}

func TestBrief_LanguageTag(t *testing.T) {
	b := sampleBrief()
	assert.Equal(t, language.English.String(), b.LanguageTag().String())

	b.Language = "nl"
	assert.Equal(t, language.Dutch.String(), b.LanguageTag().String())

	b.Language = "not a tag!"
	assert.Equal(t, language.English.String(), b.LanguageTag().String())
}

func TestFileReader_Read(t *testing.T) {
	dir := t.TempDir()
	body := `{
		"id": "brief-7",
		"title": "Roof insulation",
		"keywords": ["insulation", "roof"],
		"outline": [{"section_key": "intro", "heading": "Introduction", "order": 0}],
		"business": {"name": "Acme", "tone": "friendly"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "brief-7.json"), []byte(body), 0o644))

	r := NewFileReader(dir)
	b, err := r.Read(context.Background(), "brief-7")
	require.NoError(t, err)
	assert.Equal(t, "Roof insulation", b.Title)
	assert.Equal(t, "Acme", b.Business.Name)
	require.Len(t, b.Outline, 1)
	assert.Equal(t, "intro", b.Outline[0].Key)

	_, err = r.Read(context.Background(), "missing")
	assert.True(t, apperr.IsType(err, apperr.ErrNotFound))

	_, err = r.Read(context.Background(), "../etc/passwd")
	assert.True(t, apperr.IsType(err, apperr.ErrValidation))
}

func TestDecode_RejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"id":`))
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.ErrValidation))
}

func TestMemoryReader_ReturnsCopy(t *testing.T) {
	r := NewMemoryReader(sampleBrief())

	b, err := r.Read(context.Background(), "brief-1")
	require.NoError(t, err)
	b.Outline[0].Heading = "changed"

	again, err := r.Read(context.Background(), "brief-1")
	require.NoError(t, err)
	assert.Equal(t, "Conclusion", again.Outline[0].Heading)
}
