// Package hashexec implements the restricted exec surface: md5sum and
// sha1sum over VFS paths, streamed through the backend hasher and
// emitted as POSIX-style "<hex>  <argument>" lines. A failing or
// unmatched argument is skipped rather than aborting the whole command:
// every other argument still gets a chance to succeed.
package hashexec

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-sftpd/sftpd/internal/vfs"
)

// Algorithm selects which digest Run computes.
type Algorithm int

const (
	MD5 Algorithm = iota
	SHA1
)

func (a Algorithm) String() string {
	if a == SHA1 {
		return "sha1sum"
	}
	return "md5sum"
}

// Run resolves each argument against cwd through set, streams the
// matching file through the requested digest, and writes one output line
// per successfully hashed argument. It reports whether every argument
// succeeded (exit status 0) or at least one failed/was unmatched (exit 1),
// matching the per-argument independence contract: one bad path never
// aborts the others.
func Run(ctx context.Context, set *vfs.Set, cwd string, alg Algorithm, args []string, out io.Writer) (allOK bool, err error) {
	allOK = true

	for _, arg := range args {
		abs := absolutize(cwd, arg)
		resolved, ok := set.ResolvePath(abs)
		if !ok {
			allOK = false
			continue
		}

		var digest string
		var hashErr error
		switch alg {
		case SHA1:
			digest, hashErr = resolved.Backend.SHA1Sum(ctx, resolved.Relative)
		default:
			digest, hashErr = resolved.Backend.MD5Sum(ctx, resolved.Relative)
		}
		if hashErr != nil {
			allOK = false
			continue
		}

		line := fmt.Sprintf("%s  %s\n", digest, arg)
		if _, werr := io.WriteString(out, line); werr != nil {
			return allOK, werr
		}
	}

	return allOK, nil
}

func absolutize(cwd, arg string) string {
	if path.IsAbs(arg) {
		return path.Clean(arg)
	}
	return path.Clean(path.Join(cwd, arg))
}

// ParseCommandLine splits an exec request's command string into argv
// using POSIX shell-word rules (whitespace-separated, single/double
// quoting, backslash escapes), the same parsing class a restricted exec
// surface needs to avoid shell-metacharacter surprises since no shell is
// ever actually invoked.
func ParseCommandLine(cmd string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
	)

	flush := func() {
		if inWord {
			args = append(args, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				continue
			}
			if c == '\\' && quote == '"' && i+1 < len(runes) {
				i++
				cur.WriteRune(runes[i])
				continue
			}
			cur.WriteRune(c)
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == '\\' && i+1 < len(runes):
			i++
			cur.WriteRune(runes[i])
			inWord = true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteRune(c)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("hashexec: unterminated quote in command line")
	}
	flush()
	return args, nil
}
