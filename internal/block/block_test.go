package block

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	beginNS1 = "# section-datamate-ns1-begin"
	endNS1   = "# section-datamate-ns1-end"
	beginNS2 = "# section-datamate-ns2-begin"
	endNS2   = "# section-datamate-ns2-end"
)

func TestParseDocument(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Document
	}{
		{name: "empty", text: "", want: Document{}},
		{name: "trailing newline", text: "a\nb\n", want: Document{"a", "b"}},
		{name: "no trailing newline", text: "a\nb", want: Document{"a", "b"}},
		{name: "blank lines kept", text: "a\n\n\nb\n", want: Document{"a", "", "", "b"}},
		{name: "only newline", text: "\n", want: Document{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDocument(tt.text))
		})
	}
}

func TestMarkersFor(t *testing.T) {
	begin, end := DefaultMarkers().For("ns1")
	assert.Equal(t, beginNS1, begin)
	assert.Equal(t, endNS1, end)
}

func TestMarkersValidate(t *testing.T) {
	assert.NoError(t, DefaultMarkers().Validate())
	assert.Error(t, Markers{Begin: "# begin", End: "# {namespace} end"}.Validate())
	assert.Error(t, Markers{Begin: "# {namespace}", End: "# {namespace}"}.Validate())
	assert.Error(t, Markers{Begin: "# {namespace}\nx", End: "# end {namespace}"}.Validate())
	assert.Error(t, Markers{Begin: " # {namespace}", End: "# end {namespace}"}.Validate())
}

func TestUpsertInsertsIntoEmptyDocument(t *testing.T) {
	got, err := Upsert(Document{}, DefaultMarkers(), "ns1", []string{"body"})
	require.NoError(t, err)
	assert.Equal(t, Document{beginNS1, "body", endNS1}, got)
}

func TestUpsertAppendsWithBlankSeparator(t *testing.T) {
	doc := Document{"global", "    daemon"}
	got, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new"})
	require.NoError(t, err)
	assert.Equal(t, Document{"global", "    daemon", "", beginNS1, "new", endNS1}, got)
}

func TestUpsertDoesNotDoubleBlankSeparator(t *testing.T) {
	doc := Document{"global", "   "}
	got, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new"})
	require.NoError(t, err)
	assert.Equal(t, Document{"global", "   ", beginNS1, "new", endNS1}, got)
}

func TestUpsertReplacesAndPreservesTrailingContent(t *testing.T) {
	doc := Document{"a", beginNS1, "old1", "old2", endNS1, "b"}
	got, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new1"})
	require.NoError(t, err)
	assert.Equal(t, Document{"a", "b", "", beginNS1, "new1", endNS1}, got)
}

func TestUpsertIsIdempotent(t *testing.T) {
	docs := []Document{
		{},
		{"frontend x"},
		{"a", "", beginNS1, "old", endNS1, "", "b"},
		{beginNS2, "other", endNS2},
	}
	body := []string{"frontend ns1", "    bind 10.0.0.1:8080", "", "backend ns1"}
	for _, doc := range docs {
		once, err := Upsert(doc, DefaultMarkers(), "ns1", body)
		require.NoError(t, err)
		twice, err := Upsert(once, DefaultMarkers(), "ns1", body)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "document %q", doc.String())
	}
}

func TestUpsertLeavesOtherNamespacesUntouched(t *testing.T) {
	doc := Document{"top", beginNS2, "ns2 body", endNS2, beginNS1, "ns1 old", endNS1}
	got, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"ns1 new"})
	require.NoError(t, err)

	body, found, err := Extract(got, DefaultMarkers(), "ns2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"ns2 body"}, body)
	assert.Equal(t, Document{"top", beginNS2, "ns2 body", endNS2, "", beginNS1, "ns1 new", endNS1}, got)

	got2, err := Upsert(got, DefaultMarkers(), "ns2", []string{"ns2 new"})
	require.NoError(t, err)
	body, found, err = Extract(got2, DefaultMarkers(), "ns1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"ns1 new"}, body)
}

func TestUpsertMatchesWholeLineOnly(t *testing.T) {
	// A longer namespace sharing a prefix must not match.
	doc := Document{"# section-datamate-ns1x-begin", "keep", "# section-datamate-ns1x-end", "text mentioning " + beginNS1}
	got, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new"})
	require.NoError(t, err)
	assert.Equal(t, append(append(Document{}, doc...), "", beginNS1, "new", endNS1), got)
}

func TestUpsertToleratesTrailingWhitespaceOnMarkers(t *testing.T) {
	doc := Document{"a", beginNS1 + " \r", "old", endNS1 + "\t"}
	got, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new"})
	require.NoError(t, err)
	assert.Equal(t, Document{"a", "", beginNS1, "new", endNS1}, got)
}

func TestUpsertRejectsUnclosedBlock(t *testing.T) {
	doc := Document{"a", beginNS1, "old", "b", "c"}
	_, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedBlock))

	var mbe *MalformedBlockError
	require.True(t, errors.As(err, &mbe))
	assert.Equal(t, "ns1", mbe.Namespace)
	assert.Contains(t, mbe.Error(), "never closed")
}

func TestUpsertRejectsStrayEndMarker(t *testing.T) {
	doc := Document{"a", endNS1, "b"}
	_, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new"})
	require.ErrorIs(t, err, ErrMalformedBlock)

	var mbe *MalformedBlockError
	require.ErrorAs(t, err, &mbe)
	assert.Equal(t, 2, mbe.Line)
}

// Two begin markers before an end marker used to be merged silently into one
// block; they are now rejected.
func TestUpsertRejectsNestedBeginMarker(t *testing.T) {
	doc := Document{beginNS1, "one", beginNS1, "two", endNS1, "tail"}
	_, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new"})
	require.ErrorIs(t, err, ErrMalformedBlock)

	var mbe *MalformedBlockError
	require.ErrorAs(t, err, &mbe)
	assert.Equal(t, 3, mbe.Line)
}

func TestUpsertRejectsDuplicateBlocks(t *testing.T) {
	doc := Document{beginNS1, "one", endNS1, "middle", beginNS1, "two", endNS1}
	_, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new"})
	require.ErrorIs(t, err, ErrMalformedBlock)
	assert.Contains(t, err.Error(), "duplicate block")
}

func TestUpsertIgnoresMalformedOtherNamespace(t *testing.T) {
	doc := Document{beginNS2, "dangling"}
	got, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new"})
	require.NoError(t, err)
	assert.Equal(t, Document{beginNS2, "dangling", "", beginNS1, "new", endNS1}, got)
}

func TestUpsertRejectsEmptyNamespace(t *testing.T) {
	_, err := Upsert(Document{"a"}, DefaultMarkers(), "", nil)
	assert.Error(t, err)
}

func TestUpsertDoesNotMutateInput(t *testing.T) {
	doc := Document{"a", beginNS1, "old", endNS1, "b"}
	snapshot := append(Document{}, doc...)
	_, err := Upsert(doc, DefaultMarkers(), "ns1", []string{"new"})
	require.NoError(t, err)
	assert.Equal(t, snapshot, doc)
}

func TestUpsertCustomMarkers(t *testing.T) {
	m := Markers{Begin: "### BEGIN {namespace}", End: "### END {namespace}"}
	got, err := Upsert(ParseDocument("x\n"), m, "tenant", []string{"y"})
	require.NoError(t, err)
	assert.Equal(t, "x\n\n### BEGIN tenant\ny\n### END tenant", got.String())
}

func TestExtract(t *testing.T) {
	doc := ParseDocument(strings.Join([]string{"a", beginNS1, "l1", "l2", endNS1}, "\n"))

	body, found, err := Extract(doc, DefaultMarkers(), "ns1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"l1", "l2"}, body)

	body, found, err = Extract(doc, DefaultMarkers(), "ns2")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, body)

	_, _, err = Extract(Document{beginNS1}, DefaultMarkers(), "ns1")
	assert.ErrorIs(t, err, ErrMalformedBlock)
}
