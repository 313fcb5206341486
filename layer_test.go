package devloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memEl(entries map[string]string) *MemoryElement {
	m := map[string][]byte{}
	for k, v := range entries {
		m[k] = []byte(v)
	}
	return NewMemoryElement(m)
}

func TestLayerBannedNeverResolvable(t *testing.T) {
	layer := NewLayer("test", nil, false).
		AddParentFirstElement(memEl(map[string]string{"secret.txt": "via parent-first"})).
		AddElement(memEl(map[string]string{"secret.txt": "via normal"})).
		AddBannedElement(memEl(map[string]string{"secret.txt": ""})).
		Build()

	_, err := layer.Resource("secret.txt")
	assert.ErrorIs(t, err, ErrResourceNotFound)
	assert.NotContains(t, layer.ProvidedResources(), "secret.txt")
}

func TestLayerResettableWinsOverNormalAndLesser(t *testing.T) {
	resettable := memEl(map[string]string{"gen.bc": "fresh"})
	layer := NewLayer("test", nil, false).
		SetResettableElement(resettable).
		AddElement(memEl(map[string]string{"gen.bc": "stale normal"})).
		AddLesserPriorityElement(memEl(map[string]string{"gen.bc": "stale lesser"})).
		Build()

	data, err := layer.Resource("gen.bc")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))

	resettable.Reset(map[string][]byte{"gen.bc": []byte("regenerated")})
	data, err = layer.Resource("gen.bc")
	require.NoError(t, err)
	assert.Equal(t, "regenerated", string(data))
}

func TestLayerNormalBeforeLesserPriority(t *testing.T) {
	layer := NewLayer("test", nil, false).
		AddLesserPriorityElement(memEl(map[string]string{"dup.txt": "lesser"})).
		AddElement(memEl(map[string]string{"dup.txt": "normal"})).
		Build()

	data, err := layer.Resource("dup.txt")
	require.NoError(t, err)
	assert.Equal(t, "normal", string(data))
}

func TestLayerParentFirstBridgesToParent(t *testing.T) {
	parent := NewLayer("parent", nil, false).
		AddElement(memEl(map[string]string{"shared.bc": "parent copy"})).
		Build()
	child := NewLayer("child", parent, false).
		AddParentFirstElement(memEl(map[string]string{
			"shared.bc": "child copy",
			"local.bc":  "child only",
		})).
		Build()

	// Shared name resolves from the parent so both sides see one identity.
	data, err := child.Resource("shared.bc")
	require.NoError(t, err)
	assert.Equal(t, "parent copy", string(data))

	// A name the parent lacks stays local.
	data, err = child.Resource("local.bc")
	require.NoError(t, err)
	assert.Equal(t, "child only", string(data))
}

func TestLayerAggregatingParentSearchesOwnElementsFirst(t *testing.T) {
	parent := NewLayer("parent", nil, false).
		AddElement(memEl(map[string]string{"shared.bc": "parent copy"})).
		Build()
	child := NewLayer("child", parent, true).
		AddParentFirstElement(memEl(map[string]string{"shared.bc": "child copy"})).
		Build()

	data, err := child.Resource("shared.bc")
	require.NoError(t, err)
	assert.Equal(t, "child copy", string(data))
	assert.Contains(t, child.ProvidedResources(), "shared.bc")
}

func TestLayerFallsBackToParent(t *testing.T) {
	parent := NewLayer("parent", nil, false).
		AddElement(memEl(map[string]string{"only-parent.txt": "from parent"})).
		Build()
	child := NewLayer("child", parent, false).Build()

	data, err := child.Resource("only-parent.txt")
	require.NoError(t, err)
	assert.Equal(t, "from parent", string(data))

	// Non-aggregating layers do not advertise parent names.
	assert.NotContains(t, child.ProvidedResources(), "only-parent.txt")
}

func TestLayerTransformedUnitsOverrideEverything(t *testing.T) {
	layer := NewLayer("test", nil, false).
		AddElement(memEl(map[string]string{"app.bc": "compiled"})).
		SetTransformedUnits(map[string][]byte{"app.bc": []byte("transformed")}).
		Build()

	data, err := layer.Resource("app.bc")
	require.NoError(t, err)
	assert.Equal(t, "transformed", string(data))
}

func TestLayerClosedRejectsResolution(t *testing.T) {
	layer := NewLayer("test", nil, false).
		AddElement(memEl(map[string]string{"a.txt": "x"})).
		Build()
	require.NoError(t, layer.Close())

	_, err := layer.Resource("a.txt")
	assert.ErrorIs(t, err, ErrLayerClosed)
	assert.NoError(t, layer.Close())
}

func TestLayerProvidedResourcesAllResolvable(t *testing.T) {
	layer := NewLayer("test", nil, false).
		AddParentFirstElement(memEl(map[string]string{"bridge.bc": "b"})).
		AddElement(memEl(map[string]string{"one.txt": "1", "two.txt": "2"})).
		AddLesserPriorityElement(memEl(map[string]string{"three.txt": "3"})).
		SetResettableElement(memEl(map[string]string{"gen.bc": "g"})).
		AddBannedElement(memEl(map[string]string{"two.txt": ""})).
		Build()

	names := layer.ProvidedResources()
	assert.NotContains(t, names, "two.txt")
	for _, name := range names {
		_, err := layer.Resource(name)
		assert.NoError(t, err, "name %q advertised but not resolvable", name)
	}
}
