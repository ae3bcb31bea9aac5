package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwang1012/sregym/pkg/errs"
)

func TestParse_SimpleString(t *testing.T) {
	call, err := Parse("```\nsubmit('Yes')\n```")
	require.NoError(t, err)
	assert.Equal(t, "submit", call.APIName)
	require.Len(t, call.Args, 1)
	assert.Equal(t, "Yes", call.Args[0].AsString())
}

func TestParse_List(t *testing.T) {
	call, err := Parse("```\nsubmit(['geo', 'payments'])\n```")
	require.NoError(t, err)
	require.Len(t, call.Args, 1)
	assert.Equal(t, []string{"geo", "payments"}, call.Args[0].AsStringList())
}

func TestParse_NumberAndBool(t *testing.T) {
	call, err := Parse("```\nreport(1, -2.5, True, False)\n```")
	require.NoError(t, err)
	require.Len(t, call.Args, 4)
	assert.Equal(t, KindNumber, call.Args[0].Kind)
	assert.Equal(t, float64(1), call.Args[0].Num)
	assert.Equal(t, float64(-2.5), call.Args[1].Num)
	assert.True(t, call.Args[2].Bool)
	assert.False(t, call.Args[3].Bool)
}

func TestParse_RejectsEmptyBlock(t *testing.T) {
	_, err := Parse("```\n\n```")
	require.Error(t, err)
	assert.True(t, errs.IsParseError(err))
}

func TestParse_RejectsUnclosedParen(t *testing.T) {
	_, err := Parse("```\nsubmit('x'\n```")
	require.Error(t, err)
}

func TestParse_RejectsMultipleCalls(t *testing.T) {
	_, err := Parse("```\nsubmit('a')\n```\nsomething\n```\nsubmit('b')\n```")
	require.Error(t, err)
}

func TestParse_RejectsNoFence(t *testing.T) {
	_, err := Parse("submit('a')")
	require.Error(t, err)
}

// TestParse_RoundTrip exercises R1: for every x in the supported literal
// grammar, parse(WrapSubmit(x)).args[0] == x.
func TestParse_RoundTrip(t *testing.T) {
	cases := []string{
		"plain",
		"has `backticks` inside",
		"has \"double\" and 'single' quotes",
		"multi\nline\nvalue",
		"",
	}
	for _, x := range cases {
		wrapped := WrapSubmit(x)
		call, err := Parse(wrapped)
		require.NoError(t, err, "wrapped=%q", wrapped)
		require.Len(t, call.Args, 1)
		assert.Equal(t, x, call.Args[0].AsString())
	}
}
