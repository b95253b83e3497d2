package validator

// Design philosophy, carried from the original command whitelist: the
// container is already the isolation boundary, so this list is permissive
// for developer experience. It forbids only what can harm the host or
// escape the container — it does not try to be a minimal or "safe" shell.

// whitelist is the set of first-tokens allowed to head a sub-command.
// Organized by category for readability; enforcement treats it as one flat set.
var whitelist = buildSet(
	// text processing
	"grep", "sed", "awk", "jq", "sort", "uniq", "cut", "tr", "cat", "tee",
	"wc", "head", "tail", "diff", "comm", "column", "fold", "fmt", "nl",
	"paste", "split", "strings",
	// file operations
	"ls", "find", "stat", "file", "mkdir", "touch", "cp", "mv", "rm", "ln",
	"chmod", "chgrp", "du", "df", "tree", "basename", "dirname", "readlink",
	"realpath",
	// archives
	"tar", "gzip", "bzip2", "xz", "zip", "unzip", "7z", "zcat", "zgrep",
	// navigation and environment
	"cd", "pwd", "env", "printenv", "whoami", "id", "date", "uptime", "uname",
	// language interpreters and toolchains
	"python", "python3", "pip", "pip3", "node", "npm", "npx", "yarn", "ruby",
	"perl", "php", "java", "javac", "gcc", "g++", "cc", "make", "cargo",
	"rustc", "go",
	// version control
	"git", "svn", "hg",
	// db clients
	"psql", "mysql", "sqlite3", "redis-cli", "mongo", "mongosh",
	// shell builtins and arithmetic
	"bc", "expr", "test", "[", "true", "false", "seq", "sleep", "timeout",
	"xargs", "echo", "printf", "which", "type", "export", "source", ".",
	// checksums and codecs
	"md5sum", "sha1sum", "sha256sum", "sha512sum", "base64", "xxd", "od",
	"hexdump",
)

// blacklist is the set of regular expressions applied to the raw command
// line before tokenization. Matching is case-insensitive; the first match
// rejects the whole command.
var blacklistPatterns = []string{
	// network clients
	`\bcurl\b`, `\bwget\b`, `\bnc\b`, `\bnetcat\b`, `\bssh\b`, `\bscp\b`,
	`\bsftp\b`, `\brsync\b`, `\bftp\b`, `\bping\b`, `\bdig\b`, `\btelnet\b`,
	`\bsocat\b`, `\blsof\b`, `\bnetstat\b`, `\bifconfig\b`, `\bip\b`,
	// privilege escalation
	`\bsudo\b`, `\bsu\b`, `\bdoas\b`, `\bpkexec\b`,
	// disk operations
	`\bdd\b`, `\bmkfs(\.\w+)?\b`, `\bmount\b`, `\bumount\b`, `\bfdisk\b`,
	`\bparted\b`, `\blosetup\b`,
	// kernel / system
	`\bmodprobe\b`, `\binsmod\b`, `\brmmod\b`, `\bsysctl\b`, `\bdmesg\b`,
	`\breboot\b`, `\bshutdown\b`, `\bhalt\b`, `\bpoweroff\b`, `\bsystemctl\b`,
	`\bservice\b`,
	// container escape
	`\bdocker\b`, `\bkubectl\b`, `\bpodman\b`, `\brunc\b`, `\bchroot\b`,
	`\bunshare\b`, `\bnsenter\b`,
	// persistence
	`\bcrontab\b`, `\bat\b`, `\bbatch\b`,
	// the canonical destructive one, named explicitly so it reads clearly
	// in the pattern returned to the client
	`rm\s+-rf\s+/(\s|$)`,
}

func buildSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}
