package nodes

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

func runText(t *testing.T, params, payload string) (workflow.NodeOutput, error) {
	t.Helper()
	h := newHarness(t)
	n := workflow.Node{ID: "x", Type: TypeText, Parameters: mustParse(t, params)}
	return h.run(context.Background(), n, mainInput(items(t, payload)))
}

func TestTextOperations(t *testing.T) {
	cases := []struct {
		name   string
		params string
		want   string
	}{
		{"upper", `{"operation":"upperCase","value":"{{payload.s}}"}`, `"HELLO WORLD"`},
		{"title", `{"operation":"titleCase","value":"{{payload.s}}"}`, `"Hello World"`},
		{"capitalize", `{"operation":"capitalize","value":"{{payload.s}}"}`, `"Hello world"`},
		{"trim", `{"operation":"trim","value":"  pad  "}`, `"pad"`},
		{"trim cutset", `{"operation":"trim","value":"xxpadxx","cutset":"x"}`, `"pad"`},
		{"split", `{"operation":"split","value":"a,b,c","delimiter":","}`, `["a","b","c"]`},
		{"join", `{"operation":"join","items":["a","b"],"separator":"-"}`, `"a-b"`},
		{"concatenate", `{"operation":"concatenate","parts":["{{payload.s}}","!"]}`, `"hello world!"`},
		{"replace", `{"operation":"replace","value":"a-b-c","old":"-","new":"+","count":1}`, `"a+b-c"`},
		{"replace regex", `{"operation":"replace","value":"a1b22c","old":"[0-9]+","new":"#","regex":true}`, `"a#b#c"`},
		{"replace regex count", `{"operation":"replace","value":"a1b2c3","old":"[0-9]","new":"#","regex":true,"count":2}`, `"a#b#c3"`},
		{"substring", `{"operation":"substring","value":"daedalus","start":1,"end":4}`, `"aed"`},
		{"substring negative", `{"operation":"substring","value":"daedalus","start":-3}`, `"lus"`},
		{"contains", `{"operation":"contains","value":"{{payload.s}}","substring":"world"}`, `true`},
		{"contains regex", `{"operation":"contains","value":"abc123","substring":"^[a-z]+\\d+$","regex":true}`, `true`},
		{"length", `{"operation":"length","value":"héllo"}`, `5`},
		{"regex extract", `{"operation":"regexExtract","value":"k1=v1;k2=v2","pattern":"(\\w+)=(\\w+)"}`, `[["k1=v1","k1","v1"],["k2=v2","k2","v2"]]`},
		{"base64", `{"operation":"base64Encode","value":"hi"}`, `"aGk="`},
		{"base64 decode", `{"operation":"base64Decode","value":"aGk="}`, `"hi"`},
		{"url", `{"operation":"urlEncode","value":"a b&c"}`, `"a+b%26c"`},
		{"diacritics", `{"operation":"removeDiacritics","value":"Crème Brûlée"}`, `"Creme Brulee"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := runText(t, tc.params, `{"s":"hello world"}`)
			require.NoError(t, err)
			require.Len(t, out["main"], 1)
			res, ok := out["main"][0].Payload.Get("result")
			require.True(t, ok)
			data, err := res.MarshalJSON()
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(data))
		})
	}
}

func TestTextWritesTargetAndKeepsFields(t *testing.T) {
	out, err := runText(t, `{"operation":"lowerCase","value":"{{payload.name}}","target":"user.slug"}`, `{"name":"ADA"}`)
	require.NoError(t, err)
	p := out["main"][0].Payload
	slug, ok := node.Lookup(p, "user.slug")
	require.True(t, ok)
	assert.Equal(t, "ada", slug.String())
	name, _ := p.Get("name")
	assert.Equal(t, "ADA", name.String())
}

func TestTextRejectsBadConfig(t *testing.T) {
	for _, params := range []string{
		`{}`,
		`{"operation":"reverse"}`,
		`{"operation":"base64Decode","value":"%%%"}`,
		`{"operation":"contains","value":"x","substring":"(","regex":true}`,
	} {
		_, err := runText(t, params, `{}`)
		var e *errors.Error
		require.True(t, stderrors.As(err, &e), params)
		assert.Equal(t, errors.CodeValidation, e.Code)
	}
}

func TestDateTimeNode(t *testing.T) {
	h := newHarness(t)
	run := func(params, payload string) (workflow.NodeOutput, error) {
		n := workflow.Node{ID: "d", Type: TypeDateTime, Parameters: mustParse(t, params)}
		return h.run(context.Background(), n, mainInput(items(t, payload)))
	}
	result := func(out workflow.NodeOutput) string {
		v, _ := out["main"][0].Payload.Get("result")
		return v.String()
	}

	out, err := run(`{"value":"{{payload.at}}","inFormat":"RFC3339","outFormat":"DateOnly"}`, `{"at":"2024-03-05T23:30:00Z"}`)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", result(out))

	out, err = run(`{"value":"{{payload.at}}","outFormat":"DateTime","outTimezone":"Asia/Tokyo"}`, `{"at":"2024-03-05T23:30:00Z"}`)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-06 08:30:00", result(out))

	out, err = run(`{"value":"2024-03-05","inFormat":"DateTime","outFormat":"02/01/2006 15:04"}`, `{}`)
	require.NoError(t, err)
	assert.Equal(t, "05/03/2024 00:00", result(out))

	out, err = run(`{"value":"  "}`, `{}`)
	require.NoError(t, err)
	v, ok := out["main"][0].Payload.Get("result")
	require.True(t, ok)
	assert.True(t, v.IsNull())

	_, err = run(`{"value":"yesterday"}`, `{}`)
	assert.Error(t, err)
	_, err = run(`{"value":"2024-03-05T00:00:00Z","outTimezone":"Mars/Olympus"}`, `{}`)
	assert.Error(t, err)
}
