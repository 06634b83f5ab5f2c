package grbl

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	ifmt "github.com/fornellas/gsender/internal/fmt"
)

var ErrUnknownVersion = errors.New("unknown Grbl version")

// VersionPrefixes are the welcome message prefixes of Grbl and its known forks.
var VersionPrefixes = []string{"Grbl ", "CarbideMotion "}

var versionRegexp = regexp.MustCompile(`(\d*\.\d+)([a-zA-Z])?`)

// Version is the firmware version as announced on boot, eg "Grbl 0.8c ['$' for help]" is
// Number 0.8, Letter "c". The zero value means unknown.
type Version struct {
	Number float64
	Letter string
}

// IsVersionString reports whether line is a Grbl welcome message.
func IsVersionString(line string) bool {
	for _, prefix := range VersionPrefixes {
		if strings.HasPrefix(line, prefix) {
			return versionRegexp.MatchString(line[len(prefix):])
		}
	}
	return false
}

// ParseVersion extracts the version from a welcome message.
func ParseVersion(line string) (Version, error) {
	if !IsVersionString(line) {
		return Version{}, fmt.Errorf("%#v: %w", line, ErrUnknownVersion)
	}
	match := versionRegexp.FindStringSubmatch(line)
	number, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return Version{}, fmt.Errorf("%#v: %w: %w", line, ErrUnknownVersion, err)
	}
	return Version{Number: number, Letter: match[2]}, nil
}

func (v Version) IsZero() bool {
	return v.Number == 0 && v.Letter == ""
}

// AtLeast reports whether v is number with letter or later. An empty letter sorts before
// any letter.
func (v Version) AtLeast(number float64, letter string) bool {
	if v.Number != number {
		return v.Number > number
	}
	return v.Letter >= letter
}

func (v Version) String() string {
	if v.IsZero() {
		return "<unknown>"
	}
	return ifmt.SprintFloat(v.Number, 4) + v.Letter
}
