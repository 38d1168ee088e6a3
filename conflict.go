package encfs

import "strings"

// tryExtractDropboxConflict recognizes Dropbox's conflict naming, a
// parenthesized group whose content contains "conflict", e.g.
// "report (john's conflicted copy 2024-01-02).txt". It returns the name
// with the marker excised (text before and after rejoined) and the marker
// itself, including the single separating space when one preceded the
// opening paren.
func tryExtractDropboxConflict(name string) (core, suffix string, ok bool) {
	open := strings.LastIndexByte(name, '(')
	if open <= 0 {
		return "", "", false
	}
	close := strings.IndexByte(name[open:], ')')
	if close < 0 {
		return "", "", false
	}
	close += open
	content := name[open+1 : close]
	if !strings.Contains(strings.ToLower(content), "conflict") {
		return "", "", false
	}

	markerStart := open
	if markerStart > 0 && name[markerStart-1] == ' ' {
		markerStart--
	}
	core = name[:markerStart] + name[close+1:]
	suffix = name[markerStart : close+1]
	if core == "" {
		return "", "", false
	}
	return core, suffix, true
}

// tryExtractGoogleDriveConflict recognizes Google Drive's conflict
// naming, a "_conf(N)" group with a digits-only body, e.g.
// "report_conf(2).txt". The marker is excised the same way.
func tryExtractGoogleDriveConflict(name string) (core, suffix string, ok bool) {
	marker := "_conf("
	idx := strings.LastIndex(name, marker)
	if idx <= 0 {
		return "", "", false
	}
	close := strings.IndexByte(name[idx:], ')')
	if close < 0 {
		return "", "", false
	}
	close += idx
	content := name[idx+len(marker) : close]
	if content == "" || !isDigits(content) {
		return "", "", false
	}

	core = name[:idx] + name[close+1:]
	suffix = name[idx : close+1]
	return core, suffix, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// tryExtractCloudConflictSuffix tries the Dropbox pattern first, falling
// back to the Google Drive pattern.
func tryExtractCloudConflictSuffix(name string) (core, suffix string, ok bool) {
	if core, suffix, ok := tryExtractDropboxConflict(name); ok {
		return core, suffix, true
	}
	return tryExtractGoogleDriveConflict(name)
}

// insertConflictSuffix attaches suffix to core, inserting it before the
// last '.' extension separator when core has one (and it is not position
// 0, so a leading-dot hidden file is not treated as having an extension);
// otherwise suffix is appended at the end.
func insertConflictSuffix(core, suffix string) string {
	dot := strings.LastIndexByte(core, '.')
	if dot > 0 {
		return core[:dot] + suffix + core[dot:]
	}
	return core + suffix
}
