package resolve

import (
	"testing"

	"github.com/seqlab/conveyor/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PlainLiteral(t *testing.T) {
	tmpl, err := Parse("just text, no refs")
	require.NoError(t, err)
	assert.True(t, tmpl.IsLiteral())
	assert.Empty(t, tmpl.Refs())
}

func TestParse_DollarWithoutBrace(t *testing.T) {
	tmpl, err := Parse("cost is $5 {not a ref}")
	require.NoError(t, err)
	assert.True(t, tmpl.IsLiteral())
}

func TestParse_BareBaseRef(t *testing.T) {
	tmpl, err := Parse("${genome_id}")
	require.NoError(t, err)
	refs := tmpl.Refs()
	require.Len(t, refs, 1)
	assert.Equal(t, RefBase, refs[0].Kind)
	assert.Equal(t, "genome_id", refs[0].Name)
	assert.Equal(t, "${genome_id}", refs[0].String())
}

func TestParse_NamespacedRefs(t *testing.T) {
	cases := []struct {
		input string
		kind  RefKind
		step  string
		name  string
	}{
		{"${base.output_dir}", RefBase, "", "output_dir"},
		{"${params.contigs}", RefParam, "", "contigs"},
		{"${steps.assemble.outputs.contigs}", RefStepOutput, "assemble", "contigs"},
		{"${steps.assemble.params.reads}", RefStepParam, "assemble", "reads"},
	}
	for _, tc := range cases {
		tmpl, err := Parse(tc.input)
		require.NoError(t, err, tc.input)
		refs := tmpl.Refs()
		require.Len(t, refs, 1, tc.input)
		assert.Equal(t, tc.kind, refs[0].Kind, tc.input)
		assert.Equal(t, tc.step, refs[0].Step, tc.input)
		assert.Equal(t, tc.name, refs[0].Name, tc.input)
	}
}

func TestParse_MixedLiteralAndRefs(t *testing.T) {
	tmpl, err := Parse("out/${base.run}/${steps.a.outputs.f}.fasta")
	require.NoError(t, err)
	assert.False(t, tmpl.IsLiteral())
	assert.Len(t, tmpl.Refs(), 2)
}

func TestParse_Malformed(t *testing.T) {
	cases := []string{
		"${unclosed",
		"${}",
		"${  }",
		"${steps.a}",
		"${steps.a.outputs}",
		"${steps.a.inputs.x}",
		"${steps..outputs.x}",
		"${params.a.b}",
		"${base.}",
		"${a.b}",
		"${nested ${x}}",
	}
	for _, input := range cases {
		_, err := Parse(input)
		require.Error(t, err, input)
		assert.Equal(t, schema.ErrCodeMalformedExpression, schema.ErrorCode(err), input)
	}
}

func TestHasExpression(t *testing.T) {
	assert.True(t, HasExpression("${x}"))
	assert.True(t, HasExpression("a ${steps.b.outputs.c} d"))
	assert.False(t, HasExpression("plain"))
	assert.False(t, HasExpression("$x {y}"))
}
