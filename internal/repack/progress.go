package repack

import "strings"

// Phase progress values.
const (
	ProgressDownloadStart = 5
	ProgressDownloadEnd   = 14
	ProgressProcessStart  = 15
	ProgressScriptDone    = 100
)

type progressRule struct {
	keywords []string
	progress int
}

// progressRules is evaluated in order; the first matching rule wins.
var progressRules = []progressRule{
	{keywords: []string{"extracting", "unzipping"}, progress: 20},
	{keywords: []string{"installing dependencies"}, progress: 60},
	{keywords: []string{"repackaging", "packaging"}, progress: 80},
	{keywords: []string{"success"}, progress: 100},
}

// ParseProgress maps a script output line to a coarse progress value.
// Matching is case-insensitive. ok is false for unrecognized lines.
func ParseProgress(line string) (progress int, ok bool) {
	lower := strings.ToLower(line)
	for _, rule := range progressRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.progress, true
			}
		}
	}
	return 0, false
}

// downloadProgress scales received/total into the download band.
func downloadProgress(received, total int64) int {
	if total <= 0 || received <= 0 {
		return ProgressDownloadStart
	}
	if received >= total {
		return ProgressDownloadEnd
	}
	span := int64(ProgressDownloadEnd - ProgressDownloadStart)
	return ProgressDownloadStart + int(received*span/total)
}
