package client

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// OriginalPath names an uploaded original: {userId}/original/{ts}_{rand}.{ext}.
func OriginalPath(userID, ext string, now time.Time) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("%s/original/%d_%s.%s", userID, now.UnixMilli(), randomSuffix(), ext)
}

// ProcessedPath names a derived artifact: {userId}/processed/{recordId}/{kind}_{ts}.png.
func ProcessedPath(userID, recordID, kind string, now time.Time) string {
	return fmt.Sprintf("%s/processed/%s/%s_%d.png", userID, recordID, kind, now.UnixMilli())
}

func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
