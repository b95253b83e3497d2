package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sandboxd/internal/sberrors"
)

func TestValidateEmpty(t *testing.T) {
	err := Validate("   ")
	require.Error(t, err)
	se, ok := sberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, sberrors.KindInvalidCommand, se.Kind)
	assert.Equal(t, "empty", se.Detail)
}

func TestValidateBlacklistRejectsCurl(t *testing.T) {
	err := Validate("curl http://example.com")
	require.Error(t, err)
	se, _ := sberrors.As(err)
	assert.Contains(t, se.Detail, "curl")
}

func TestValidateBlacklistRejectsRmRfRoot(t *testing.T) {
	err := Validate("rm -rf /")
	require.Error(t, err)
}

func TestValidateWhitelistedSimpleCommand(t *testing.T) {
	assert.NoError(t, Validate("echo hi"))
	assert.NoError(t, Validate("ls -la /workspace"))
}

func TestValidateWhitelistPipeline(t *testing.T) {
	assert.NoError(t, Validate("cat f.txt | grep foo | wc -l"))
}

func TestValidateWhitelistConnectives(t *testing.T) {
	assert.NoError(t, Validate("mkdir -p out && cd out"))
	assert.NoError(t, Validate("touch a.txt; ls"))
	assert.NoError(t, Validate("false || true"))
}

func TestValidateRejectsNonWhitelistedSubcommand(t *testing.T) {
	err := Validate("echo hi && forbidden-tool --flag")
	require.Error(t, err)
	se, _ := sberrors.As(err)
	assert.Equal(t, "forbidden-tool", se.Detail)
}

func TestValidateQuoting(t *testing.T) {
	assert.NoError(t, Validate(`echo "hello world" | cat`))
	assert.NoError(t, Validate(`echo 'a b c'`))
}

func TestValidateUnterminatedQuoteIsParseError(t *testing.T) {
	err := Validate(`echo "unterminated`)
	require.Error(t, err)
	se, _ := sberrors.As(err)
	assert.Equal(t, "parse-error", se.Detail)
}
