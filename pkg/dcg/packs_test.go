package dcg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinPacksCompile(t *testing.T) {
	reg, err := newRegistry(BuiltinPacks())
	require.NoError(t, err)
	assert.Len(t, reg.order, 3)
}

func TestCompileRuleKinds(t *testing.T) {
	literal, err := compileRule("p", Rule{RuleID: "r1", Pattern: "MKFS", Kind: PatternLiteral})
	require.NoError(t, err)
	assert.True(t, literal.hit("mkfs.ext4 /dev/sdb"))

	globRule, err := compileRule("p", Rule{RuleID: "r2", Pattern: "dd * of=/dev/*", Kind: PatternGlob})
	require.NoError(t, err)
	assert.True(t, globRule.hit("dd if=/tmp/img of=/dev/sda bs=1M"))
	assert.False(t, globRule.hit("dd if=/tmp/img of=/tmp/out"))

	regex, err := compileRule("p", Rule{RuleID: "r3", Pattern: `git\s+clean\s+-[a-zA-Z]*f`, Kind: PatternRegex})
	require.NoError(t, err)
	assert.True(t, regex.hit("git clean -fdx"))

	_, err = compileRule("p", Rule{RuleID: "r4", Pattern: "(", Kind: PatternRegex})
	assert.Error(t, err)
	_, err = compileRule("p", Rule{RuleID: "r5", Pattern: "x", Kind: "substring"})
	assert.Error(t, err)
}

func TestDuplicatePackRejected(t *testing.T) {
	_, err := newRegistry([]Pack{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)
}
