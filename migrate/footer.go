// Package migrate brings a saved configuration up to the component
// versions this system understands.
package migrate

import (
	"bufio"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

type Vintage string

const (
	Legacy  Vintage = "vyatta"
	Current Vintage = "vyos"
)

var ErrMalformedFooter = errors.New("malformed configuration version string")

var (
	currentMarker = regexp.MustCompile(`^// vyos-config-version:`)
	currentLine   = regexp.MustCompile(`^// vyos-config-version:\s+"((?:(?:[\w,-]+@\d+:)*[\w,-]+@\d+)?)"\s*$`)
	legacyMarker  = regexp.MustCompile(`^/\* === vyatta-config-version:.+=== \*/$`)
	legacyLine    = regexp.MustCompile(`^/\* === vyatta-config-version:\s+"((?:[\w,-]+@\d+:)*[\w,-]+@\d+)"\s+=== \*/$`)
	releaseLine   = regexp.MustCompile(`^(?://|/\*) Release version: (.+?)(?: \*/)?$`)

	footerLines = []*regexp.Regexp{
		regexp.MustCompile(`^/\* Warning:.+ \*/$`),
		legacyMarker,
		regexp.MustCompile(`^/\* Release version:.+ \*/$`),
		regexp.MustCompile(`^// vyos-config-version:.+`),
		regexp.MustCompile(`^// Warning:.+`),
		regexp.MustCompile(`^// Release version:.+`),
	}
)

// Footer is the version trailer of a saved configuration.
type Footer struct {
	Versions map[string]int
	Release  string
	// Vintage is empty when the file carries no footer.
	Vintage Vintage
}

func parseVersions(s string) map[string]int {
	out := map[string]int{}
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ":") {
		name, v, _ := strings.Cut(pair, "@")
		n, _ := strconv.Atoi(v)
		out[name] = n
	}
	return out
}

// ParseFooter finds the footer in a configuration text. A current vintage
// footer wins over a legacy one.
func ParseFooter(text string) (Footer, error) {
	f := Footer{Versions: map[string]int{}}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case currentMarker.MatchString(line):
			m := currentLine.FindStringSubmatch(line)
			if m == nil {
				return f, fmt.Errorf("%w: %s", ErrMalformedFooter, line)
			}
			f.Versions, f.Vintage = parseVersions(m[1]), Current
		case legacyMarker.MatchString(line):
			m := legacyLine.FindStringSubmatch(line)
			if m == nil {
				return f, fmt.Errorf("%w: %s", ErrMalformedFooter, line)
			}
			if f.Vintage != Current {
				f.Versions, f.Vintage = parseVersions(m[1]), Legacy
			}
		default:
			if m := releaseLine.FindStringSubmatch(line); m != nil {
				f.Release = m[1]
			}
		}
	}
	return f, sc.Err()
}

// FormatVersions renders "a@1:b@2" with components sorted.
func FormatVersions(v map[string]int) string {
	parts := make([]string, 0, len(v))
	for _, name := range slices.Sorted(maps.Keys(v)) {
		parts = append(parts, name+"@"+strconv.Itoa(v[name]))
	}
	return strings.Join(parts, ":")
}

// String renders the footer in the current vintage.
func (f Footer) String() string {
	return "// Warning: Do not remove the following line.\n" +
		`// vyos-config-version: "` + FormatVersions(f.Versions) + "\"\n" +
		"// Release version: " + f.Release + "\n"
}

// StripFooter removes every footer line of either vintage.
func StripFooter(text string) string {
	var b strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		bare := strings.TrimRight(line, "\r\n")
		if slices.ContainsFunc(footerLines, func(re *regexp.Regexp) bool { return re.MatchString(bare) }) {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}
