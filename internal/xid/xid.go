// Package xid builds human-facing document numbers such as order and
// purchase numbers. Row identity lives in package ident; these are labels.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// New returns prefix-YYYYMMDD-xxxxxx for the UTC day of at. The suffix is
// random so two terminals numbering offline do not collide.
func New(prefix string, at time.Time) string {
	day := at.UTC().Format("20060102")
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%s-%06d", strings.ToUpper(prefix), day, at.UnixNano()%1000000)
	}
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(prefix), day, hex.EncodeToString(buf))
}
