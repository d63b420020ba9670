package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// ID prefixes for the entity families. All identifiers share the layout
// <prefix>_YYYYMMDD_HHMMSS_<hex> with UTC date and time components and a
// 6-byte lowercase hex suffix.
const (
	PrefixEvaluation      = "eval"
	PrefixJudgeEvaluation = "judge"
	PrefixSnapshot        = "snap"
	PrefixMessage         = "msg"
	PrefixQuestion        = "q"
	PrefixResponse        = "resp"
)

// NewID generates an identifier for the given prefix.
func NewID(prefix string) string {
	return newIDAt(prefix, time.Now().UTC())
}

func newIDAt(prefix string, now time.Time) string {
	suffix := make([]byte, 6)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s_%s_%s", prefix, now.UTC().Format("20060102_150405"), hex.EncodeToString(suffix))
}
