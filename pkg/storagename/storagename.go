// Package storagename generates and parses the unique on-disk filenames
// Storage Elements give uploaded files, and the date-partitioned storage
// path they live under.
package storagename

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxTotalLength is the maximum length of a generated storage filename.
const MaxTotalLength = 200

const timestampLayout = "20060102T150405"

var invalidChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var repeatedUnderscore = regexp.MustCompile(`_+`)

// Sanitize replaces filesystem-invalid characters and control characters
// with underscores, collapses repeats, and trims leading/trailing
// underscores.
func Sanitize(name string) string {
	s := invalidChars.ReplaceAllString(name, "_")
	s = repeatedUnderscore.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// Truncate shortens stem to at most maxLength characters, replacing the tail
// with "..." when truncation occurs so the name stays recognisable.
func Truncate(stem string, maxLength int) string {
	if len(stem) <= maxLength {
		return stem
	}
	if maxLength <= 3 {
		return stem[:maxLength]
	}
	return stem[:maxLength-3] + "..."
}

// Components are the parts extracted from (or used to build) a storage
// filename: {stem}_{username}_{timestamp}_{uuid}.{ext}
type Components struct {
	Stem      string
	Username  string
	Timestamp time.Time
	UUID      uuid.UUID
	Extension string // includes leading dot, may be empty
}

// Generate builds a unique storage filename for an uploaded file, applying
// sanitization and, if necessary, truncation of the stem so the total length
// never exceeds MaxTotalLength.
func Generate(originalFilename, username string, timestamp time.Time, id uuid.UUID) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", fmt.Errorf("storagename: username cannot be empty")
	}
	cleanUsername := Sanitize(username)
	if cleanUsername == "" {
		return "", fmt.Errorf("storagename: username contains only invalid characters")
	}

	ext := path.Ext(originalFilename)
	stem := strings.TrimSuffix(originalFilename, ext)
	cleanStem := Sanitize(stem)
	if cleanStem == "" {
		cleanStem = "file"
	}

	timestampStr := timestamp.UTC().Format(timestampLayout)
	uuidStr := id.String()

	fixedLength := 1 + len(cleanUsername) + 1 + len(timestampStr) + 1 + len(uuidStr) + len(ext)
	if fixedLength >= MaxTotalLength {
		return "", fmt.Errorf("storagename: fixed parts (%d chars) exceed max length (%d)", fixedLength, MaxTotalLength)
	}

	available := MaxTotalLength - fixedLength
	if len(cleanStem) > available {
		cleanStem = Truncate(cleanStem, available)
	}

	return fmt.Sprintf("%s_%s_%s_%s%s", cleanStem, cleanUsername, timestampStr, uuidStr, ext), nil
}

// Parse decomposes a storage filename produced by Generate back into its
// components: Parse(Generate(...)) recovers the uuid and extension, the
// timestamp truncated to whole seconds in UTC, the sanitized username, and
// a stem equal to the sanitized (possibly truncated) input. The username is
// taken as the third-from-last underscore-separated part, so a sanitized
// username that itself contains an underscore is not recovered intact: its
// leading parts end up in the stem.
func Parse(storageFilename string) (Components, error) {
	ext := path.Ext(storageFilename)
	withoutExt := strings.TrimSuffix(storageFilename, ext)

	parts := strings.Split(withoutExt, "_")
	if len(parts) < 4 {
		return Components{}, fmt.Errorf("storagename: invalid format %q, expected stem_username_timestamp_uuid%s", storageFilename, ext)
	}

	uuidStr := parts[len(parts)-1]
	timestampStr := parts[len(parts)-2]
	username := parts[len(parts)-3]
	stem := strings.Join(parts[:len(parts)-3], "_")

	ts, err := time.Parse(timestampLayout, timestampStr)
	if err != nil {
		return Components{}, fmt.Errorf("storagename: invalid timestamp %q: %w", timestampStr, err)
	}

	id, err := uuid.Parse(uuidStr)
	if err != nil {
		return Components{}, fmt.Errorf("storagename: invalid uuid %q: %w", uuidStr, err)
	}

	return Components{
		Stem:      stem,
		Username:  username,
		Timestamp: ts.UTC(),
		UUID:      id,
		Extension: ext,
	}, nil
}

// StoragePath returns the date-partitioned directory a file created at the
// given instant should live under, in the form "YYYY/MM/DD/HH".
func StoragePath(timestamp time.Time) string {
	return timestamp.UTC().Format("2006/01/02/15")
}
