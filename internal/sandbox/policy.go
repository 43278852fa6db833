package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/loa-finn/gateway/internal/errs"
)

// tokenize whitespace-splits a command string and rejects any token
// containing a forbidden shell metacharacter, per spec §4.8 step 2.
func tokenize(command string) ([]string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errs.New(errs.KindStructuralInvalid, "empty command")
	}
	for _, f := range fields {
		if strings.ContainsAny(f, tokenForbidden) {
			return nil, errs.New(errs.KindStructuralInvalid, "command token contains a forbidden character")
		}
	}
	return fields, nil
}

// lookupPolicy finds the CommandPolicy for a tokenized command's leading
// binary, per spec §4.8 step 3.
func lookupPolicy(p *Policy, binary string) (CommandPolicy, error) {
	cp, ok := p.Commands[binary]
	if !ok {
		return CommandPolicy{}, errs.New(errs.KindNotFound, "no policy registered for binary: "+binary)
	}
	return cp, nil
}

// validateSubcommand enforces an allowlist over the first non-flag
// argument, per spec §4.8 step 4, only when the policy declares one.
func validateSubcommand(cp CommandPolicy, args []string) error {
	if len(cp.Subcommands) == 0 {
		return nil
	}
	first := firstNonFlag(args)
	if first == "" {
		return errs.New(errs.KindStructuralInvalid, "subcommand required but none given")
	}
	for _, sc := range cp.Subcommands {
		if sc == first {
			return nil
		}
	}
	return errs.New(errs.KindStructuralInvalid, "subcommand not allowed: "+first)
}

func firstNonFlag(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

// checkDeniedFlags rejects exact matches of "-x", "--long", a combined
// short form, or the key half of "--long=value", per spec §4.8 step 5.
func checkDeniedFlags(cp CommandPolicy, args []string) error {
	denied := make(map[string]bool, len(cp.DeniedFlags))
	for _, f := range cp.DeniedFlags {
		denied[f] = true
	}
	for _, a := range args {
		key := a
		if idx := strings.IndexByte(a, '='); idx >= 0 && strings.HasPrefix(a, "--") {
			key = a[:idx]
		}
		if denied[key] {
			return errs.New(errs.KindStructuralInvalid, "flag denied by policy: "+key)
		}
		if len(a) > 2 && a[0] == '-' && a[1] != '-' {
			for _, c := range a[1:] {
				if short := "-" + string(c); denied[short] {
					return errs.New(errs.KindStructuralInvalid, "flag denied by policy: "+short)
				}
			}
		}
	}
	return nil
}

// validatePath canonicalizes p and verifies it stays within jailRoot,
// rejecting any path component that is a symlink even when the final
// resolved target lands inside the jail, per spec §4.8 step 6 and
// Testable Property 11. Grounded on internal/gvisor/state_cloner.go's
// path-resolution handling, generalized to reject mid-path symlinks
// rather than only the final target.
func validatePath(p, jailRoot string) (string, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(jailRoot, abs)
	}
	clean := filepath.Clean(abs)

	// Walk every prefix component and reject if any is a symlink.
	rel, err := filepath.Rel(string(filepath.Separator), clean)
	if err == nil {
		cur := string(filepath.Separator)
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if part == "" || part == "." {
				continue
			}
			cur = filepath.Join(cur, part)
			info, err := os.Lstat(cur)
			if err != nil {
				continue // component may not exist yet (e.g. output path); nothing to reject
			}
			if info.Mode()&os.ModeSymlink != 0 {
				return "", errs.New(errs.KindPathTraversal, "path component is a symlink: "+cur)
			}
		}
	}

	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		resolved = clean // target may not exist yet; fall back to the cleaned path
	}

	jailClean := filepath.Clean(jailRoot)
	if resolved != jailClean && !strings.HasPrefix(resolved, jailClean+string(filepath.Separator)) {
		return "", errs.New(errs.KindPathTraversal, "path escapes jail root")
	}
	return resolved, nil
}

// resolveBinary realpaths the policy's registered binary immediately
// before dispatch, defeating a TOCTOU swap of the binary after startup
// (spec §4.8 step 7).
func resolveBinary(binary string) (string, error) {
	resolved, err := filepath.EvalSymlinks(binary)
	if err != nil {
		return "", errs.Wrap(errs.KindNotFound, "binary not found", err)
	}
	return resolved, nil
}
