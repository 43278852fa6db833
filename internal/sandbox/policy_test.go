package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loa-finn/gateway/internal/errs"
)

func TestTokenizeRejectsForbiddenCharacters(t *testing.T) {
	for _, bad := range []string{"cat file; rm -rf /", "cat $(whoami)", "cat `id`", "cat a && b", "cat a | b"} {
		_, err := tokenize(bad)
		require.Error(t, err, "expected %q to be rejected", bad)
		require.Equal(t, errs.KindStructuralInvalid, errs.Of(err))
	}
}

func TestTokenizeAcceptsPlainCommand(t *testing.T) {
	tokens, err := tokenize("git status --short")
	require.NoError(t, err)
	require.Equal(t, []string{"git", "status", "--short"}, tokens)
}

func TestValidatePathRejectsDotDotTraversal(t *testing.T) {
	jail := t.TempDir()
	_, err := validatePath("../../etc/passwd", jail)
	require.Error(t, err)
	require.Equal(t, errs.KindPathTraversal, errs.Of(err))
}

func TestValidatePathAcceptsFileWithinJail(t *testing.T) {
	jail := t.TempDir()
	target := filepath.Join(jail, "notes.txt")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))

	resolved, err := validatePath("notes.txt", jail)
	require.NoError(t, err)
	require.Equal(t, target, resolved)
}

// TestValidatePathRejectsSymlinkEscape is Testable Property 11's sharp
// edge: a path whose final resolved target lands inside the jail but
// whose intermediate component is a symlink pointing outside it must
// still be rejected, not just a path whose final target escapes.
func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	jail := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("top secret"), 0o644))

	linkDir := filepath.Join(jail, "escape")
	require.NoError(t, os.Symlink(outside, linkDir))

	_, err := validatePath(filepath.Join("escape", "secret.txt"), jail)
	require.Error(t, err)
	require.Equal(t, errs.KindPathTraversal, errs.Of(err))
}

func TestValidateSubcommandEnforcesAllowlist(t *testing.T) {
	cp := CommandPolicy{Subcommands: []string{"status", "diff"}}
	require.NoError(t, validateSubcommand(cp, []string{"status"}))
	require.Error(t, validateSubcommand(cp, []string{"push"}))
}

func TestCheckDeniedFlagsRejectsLongFormWithValue(t *testing.T) {
	cp := CommandPolicy{DeniedFlags: []string{"--exec", "-c"}}
	require.Error(t, checkDeniedFlags(cp, []string{"status", "--exec=rm"}))
	require.Error(t, checkDeniedFlags(cp, []string{"-c"}))
	require.NoError(t, checkDeniedFlags(cp, []string{"status", "--short"}))
}

func TestResolveBinaryRejectsUnknownPath(t *testing.T) {
	_, err := resolveBinary(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
	require.Equal(t, errs.KindNotFound, errs.Of(err))
}
