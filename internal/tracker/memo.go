package tracker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	tokenPattern = regexp.MustCompile(`SEQ\d{6,}T\d+`)
	tagPattern   = regexp.MustCompile(`\[ref=(\S*) amt=(\?|\d+)([a-z]*) tok=(SEQ\d{6,}T\d+)\]`)
)

// MemoTag is the machine-readable part appended to an outbound memo.
type MemoTag struct {
	Reference   string
	Amount      int64
	Unit        string
	AmountKnown bool
	Token       string
}

// FormatMemo appends the tag to the caller's free text. Whitespace and
// brackets in the reference are replaced so the tag stays parseable.
func FormatMemo(text string, tag MemoTag) string {
	amt := "?"
	if tag.AmountKnown {
		amt = strconv.FormatInt(tag.Amount, 10)
	}
	ref := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '[', ']':
			return '_'
		}
		return r
	}, tag.Reference)

	encoded := fmt.Sprintf("[ref=%s amt=%s%s tok=%s]", ref, amt, tag.Unit, tag.Token)
	text = strings.TrimSpace(text)
	if text == "" {
		return encoded
	}
	return text + " " + encoded
}

// ParseMemo extracts the tag written by FormatMemo.
func ParseMemo(memo string) (MemoTag, bool) {
	m := tagPattern.FindStringSubmatch(memo)
	if m == nil {
		return MemoTag{}, false
	}
	tag := MemoTag{Reference: m[1], Unit: m[3], Token: m[4]}
	if m[2] != "?" {
		amt, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return MemoTag{}, false
		}
		tag.Amount = amt
		tag.AmountKnown = true
	}
	return tag, true
}

// ExtractToken finds a correlation token anywhere in memo. Ledgers sometimes
// truncate or rewrite memos, so the bare token is accepted without its tag.
func ExtractToken(memo string) string {
	if tag, ok := ParseMemo(memo); ok {
		return tag.Token
	}
	return tokenPattern.FindString(memo)
}
