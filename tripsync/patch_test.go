package tripsync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testDocument(t *testing.T, documentJson string) *Document {
	document := NewDocument()
	err := json.Unmarshal([]byte(documentJson), document)
	assert.Equal(t, err, nil)
	return document
}

func testOps(t *testing.T, opsJson string) []PatchOperation {
	var ops []PatchOperation
	err := json.Unmarshal([]byte(opsJson), &ops)
	assert.Equal(t, err, nil)
	return ops
}

func TestApplyPatch(t *testing.T) {
	cases := []struct {
		document string
		ops      string
		expected string
	}{
		{
			`{}`,
			`[{"op":"add","path":"/title","value":"Lisbon"}]`,
			`{"title":"Lisbon"}`,
		},
		{
			// intermediate maps are created
			`{}`,
			`[{"op":"add","path":"/days/first/name","value":"arrival"}]`,
			`{"days":{"first":{"name":"arrival"}}}`,
		},
		{
			`{"stops":["a","c"]}`,
			`[{"op":"add","path":"/stops/1","value":"b"}]`,
			`{"stops":["a","b","c"]}`,
		},
		{
			`{"stops":["a","b"]}`,
			`[{"op":"add","path":"/stops/-","value":"c"},{"op":"add","path":"/stops/3","value":"d"}]`,
			`{"stops":["a","b","c","d"]}`,
		},
		{
			`{"title":"Lisbon","budget":100}`,
			`[{"op":"replace","path":"/budget","value":250},{"op":"remove","path":"/title"}]`,
			`{"budget":250}`,
		},
		{
			`{"stops":["a","b","c"]}`,
			`[{"op":"remove","path":"/stops/0"}]`,
			`{"stops":["b","c"]}`,
		},
		{
			`{"a":{"x":1},"b":{}}`,
			`[{"op":"move","from":"/a/x","path":"/b/x"}]`,
			`{"a":{},"b":{"x":1}}`,
		},
		{
			`{"a":{"x":[1,2]}}`,
			`[{"op":"copy","from":"/a/x","path":"/b"},{"op":"add","path":"/b/-","value":3}]`,
			`{"a":{"x":[1,2]},"b":[1,2,3]}`,
		},
		{
			`{"a":{"x":1}}`,
			`[{"op":"test","path":"/a","value":{"x":1}},{"op":"add","path":"/checked","value":true}]`,
			`{"a":{"x":1},"checked":true}`,
		},
		{
			// escaped keys
			`{"a/b":1,"c~d":2}`,
			`[{"op":"replace","path":"/a~1b","value":3},{"op":"remove","path":"/c~0d"}]`,
			`{"a/b":3}`,
		},
		{
			`{"a":1}`,
			`[{"op":"replace","path":"","value":{"b":2}}]`,
			`{"b":2}`,
		},
		{
			`{"a":1}`,
			`[]`,
			`{"a":1}`,
		},
	}

	for _, c := range cases {
		document := testDocument(t, c.document)
		err := ApplyPatch(document, testOps(t, c.ops))
		assert.Equal(t, err, nil)
		assert.Equal(t, document.Map(), testDocument(t, c.expected).Map())
	}
}

func TestApplyPatchPathError(t *testing.T) {
	cases := []struct {
		document string
		ops      string
	}{
		{`{}`, `[{"op":"remove","path":"/missing"}]`},
		{`{}`, `[{"op":"replace","path":"/missing","value":1}]`},
		{`{"a":1}`, `[{"op":"add","path":"/a/b","value":1}]`},
		{`{"stops":["a"]}`, `[{"op":"add","path":"/stops/2","value":"c"}]`},
		{`{"stops":["a"]}`, `[{"op":"remove","path":"/stops/1"}]`},
		{`{"stops":["a"]}`, `[{"op":"remove","path":"/stops/-"}]`},
		{`{"stops":["a","b"]}`, `[{"op":"remove","path":"/stops/01"}]`},
		{`{"stops":["a"]}`, `[{"op":"replace","path":"/stops/x","value":1}]`},
		{`{"a":{}}`, `[{"op":"move","from":"/a","path":"/a/b"}]`},
		{`{}`, `[{"op":"copy","from":"/missing","path":"/b"}]`},
		{`{"a":1}`, `[{"op":"test","path":"/a","value":2}]`},
		{`{"a":1}`, `[{"op":"remove","path":""}]`},
		{`{"a":1}`, `[{"op":"replace","path":"","value":[1]}]`},
		// only maps are created, sequences are never created or padded
		{`{}`, `[{"op":"add","path":"/days/0/name","value":"arrival"}]`},
		{`{}`, `[{"op":"add","path":"/days/-","value":"arrival"}]`},
		{`{"stops":["a"]}`, `[{"op":"add","path":"/stops/3/name","value":"c"}]`},
		{`{"stops":["a"]}`, `[{"op":"add","path":"/stops/-1","value":"c"}]`},
	}

	for _, c := range cases {
		document := testDocument(t, c.document)
		err := ApplyPatch(document, testOps(t, c.ops))
		var pathErr *PathError
		assert.Equal(t, errors.As(err, &pathErr), true)
		// unchanged
		assert.Equal(t, document.Map(), testDocument(t, c.document).Map())
	}
}

func TestApplyPatchAllOrNothing(t *testing.T) {
	document := testDocument(t, `{"title":"Lisbon","stops":["a"]}`)
	ops := testOps(t, `[
		{"op":"replace","path":"/title","value":"Porto"},
		{"op":"add","path":"/stops/-","value":"b"},
		{"op":"remove","path":"/missing"}
	]`)

	err := ApplyPatch(document, ops)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, document.Map(), testDocument(t, `{"title":"Lisbon","stops":["a"]}`).Map())
}

func TestApplyPatchValuesAreCopied(t *testing.T) {
	value := map[string]any{
		"name": "arrival",
	}
	document := NewDocument()
	err := ApplyPatch(document, []PatchOperation{
		Add("/day", value),
	})
	assert.Equal(t, err, nil)

	value["name"] = "changed"
	name, err := document.Get("/day/name")
	assert.Equal(t, err, nil)
	assert.Equal(t, name, "arrival")

	m := document.Map()
	m["day"].(map[string]any)["name"] = "changed"
	name, err = document.Get("/day/name")
	assert.Equal(t, err, nil)
	assert.Equal(t, name, "arrival")
}

func TestApplyPatchAddRemoveRoundTrip(t *testing.T) {
	// adding then removing the same path restores the document
	cases := []struct {
		document   string
		addPath    string
		removePath string
	}{
		{`{"title":"Lisbon"}`, "/budget", "/budget"},
		{`{"days":{"one":{}}}`, "/days/one/name", "/days/one/name"},
		{`{}`, "/a~1b", "/a~1b"},
		{`{"stops":["a","b"]}`, "/stops/0", "/stops/0"},
		{`{"stops":["a","b"]}`, "/stops/1", "/stops/1"},
		{`{"stops":["a","b"]}`, "/stops/2", "/stops/2"},
		{`{"stops":["a","b"]}`, "/stops/-", "/stops/2"},
		{`{"stops":[]}`, "/stops/-", "/stops/0"},
		{`{"days":[{"stops":["a"]}]}`, "/days/0/stops/-", "/days/0/stops/1"},
	}

	for _, c := range cases {
		original := testDocument(t, c.document)
		document := original.Clone()

		err := ApplyPatch(document, []PatchOperation{
			Add(c.addPath, map[string]any{"name": "added"}),
		})
		assert.Equal(t, err, nil)
		assert.Equal(t, document.Equal(original), false)

		err = ApplyPatch(document, []PatchOperation{
			Remove(c.removePath),
		})
		assert.Equal(t, err, nil)
		assert.Equal(t, document.Map(), original.Map())
	}
}

func TestApplyPatchBatchEqualsEachOp(t *testing.T) {
	// an update applies like its ops applied one at a time in listed order
	cases := []struct {
		document string
		ops      string
	}{
		{
			`{}`,
			`[
				{"op":"add","path":"/days","value":[]},
				{"op":"add","path":"/days/-","value":{"name":"one"}},
				{"op":"add","path":"/days/0","value":{"name":"zero"}},
				{"op":"move","from":"/days/1","path":"/last"},
				{"op":"copy","from":"/last","path":"/days/-"}
			]`,
		},
		{
			`{"title":"Lisbon","stops":["a","b","c"]}`,
			`[
				{"op":"remove","path":"/stops/0"},
				{"op":"replace","path":"/stops/0","value":"x"},
				{"op":"test","path":"/stops","value":["x","c"]},
				{"op":"replace","path":"/title","value":"Porto"},
				{"op":"add","path":"/notes/first","value":null}
			]`,
		},
		{
			`{"a":{"b":{"c":1}}}`,
			`[
				{"op":"copy","from":"/a","path":"/x"},
				{"op":"move","from":"/a/b","path":"/a/d"},
				{"op":"replace","path":"/x/b/c","value":2},
				{"op":"remove","path":"/a/d/c"}
			]`,
		},
		{
			`{"a":1}`,
			`[
				{"op":"replace","path":"","value":{"b":[]}},
				{"op":"add","path":"/b/0","value":true},
				{"op":"test","path":"","value":{"b":[true]}}
			]`,
		},
	}

	for _, c := range cases {
		ops := testOps(t, c.ops)

		batch := testDocument(t, c.document)
		err := ApplyPatch(batch, ops)
		assert.Equal(t, err, nil)

		each := testDocument(t, c.document)
		for _, op := range ops {
			err := ApplyPatch(each, []PatchOperation{op})
			assert.Equal(t, err, nil)
		}

		assert.Equal(t, batch.Equal(each), true)
		assert.Equal(t, batch.Map(), each.Map())
	}
}

func TestApplyPatchNullValue(t *testing.T) {
	document := testDocument(t, `{"title":"Lisbon"}`)
	err := ApplyPatch(document, testOps(t, `[
		{"op":"replace","path":"/title","value":null},
		{"op":"test","path":"/title","value":null}
	]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Map(), map[string]any{"title": nil})

	var ops []PatchOperation
	err = json.Unmarshal([]byte(`[{"op":"replace","path":"/title"}]`), &ops)
	assert.NotEqual(t, err, nil)
}

func TestApplyPatchDeterministic(t *testing.T) {
	// the same ops on the same document always produce the same document
	ops := testOps(t, `[
		{"op":"add","path":"/days","value":[]},
		{"op":"add","path":"/days/-","value":{"name":"one"}},
		{"op":"add","path":"/days/0","value":{"name":"zero"}},
		{"op":"move","from":"/days/1","path":"/last"},
		{"op":"copy","from":"/last","path":"/days/-"}
	]`)

	a := NewDocument()
	b := NewDocument()
	assert.Equal(t, ApplyPatch(a, ops), nil)
	assert.Equal(t, ApplyPatch(b, ops), nil)
	assert.Equal(t, a.Equal(b), true)
	assert.Equal(t, a.Map(), testDocument(t, `{"days":[{"name":"zero"},{"name":"one"}],"last":{"name":"one"}}`).Map())
}

func TestDocumentGet(t *testing.T) {
	document := testDocument(t, `{"days":[{"name":"zero"}]}`)

	value, err := document.Get("/days/0/name")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "zero")

	_, err = document.Get("/days/1")
	assert.NotEqual(t, err, nil)

	_, err = document.Get("days")
	assert.NotEqual(t, err, nil)

	root, err := document.Get("")
	assert.Equal(t, err, nil)
	assert.Equal(t, root, document.Map())
}
