package metadata

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// BuildOption is one feature define known to the firmware at a commit.
type BuildOption struct {
	Category    string `json:"category"`
	Label       string `json:"label"`
	Define      string `json:"define"`
	Description string `json:"description"`
	Default     int    `json:"default"`
	Dependency  string `json:"dependency,omitempty"`
}

// Defines returns the define names of opts in their original order.
func Defines(opts []BuildOption) []string {
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		out = append(out, o.Define)
	}
	return out
}

// ParseBuildOptions extracts every Feature(category, label, define,
// description, default, dependency) entry from the build options script.
func ParseBuildOptions(src string) ([]BuildOption, error) {
	var out []BuildOption
	seen := map[string]bool{}
	rest := src
	for {
		idx := indexCall(rest, "Feature(")
		if idx < 0 {
			break
		}
		rest = rest[idx+len("Feature("):]
		args, n, err := scanArgs(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]

		opt, err := optionFromArgs(args)
		if err != nil {
			return nil, err
		}
		if seen[opt.Define] {
			continue
		}
		seen[opt.Define] = true
		out = append(out, opt)
	}
	return out, nil
}

// indexCall finds name at an identifier boundary, skipping comment lines and
// names such as "class Feature(".
func indexCall(s, name string) int {
	off := 0
	for {
		i := strings.Index(s[off:], name)
		if i < 0 {
			return -1
		}
		pos := off + i
		lineStart := strings.LastIndexByte(s[:pos], '\n') + 1
		prefix := strings.TrimSpace(s[lineStart:pos])
		boundary := pos == 0 || !isIdent(rune(s[pos-1]))
		if boundary && !strings.HasPrefix(prefix, "#") && !strings.HasSuffix(prefix, "class") && !strings.HasSuffix(prefix, "def") {
			return pos
		}
		off = pos + len(name)
	}
}

func isIdent(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type argKind int

const (
	argString argKind = iota
	argNumber
	argNone
	argBool
)

type arg struct {
	kind  argKind
	text  string
	value int
}

// scanArgs reads literal arguments up to the closing parenthesis and
// returns them together with the number of bytes consumed.
func scanArgs(s string) ([]arg, int, error) {
	var args []arg
	i := 0
	for {
		for i < len(s) && (unicode.IsSpace(rune(s[i])) || s[i] == ',') {
			i++
		}
		if i >= len(s) {
			return nil, 0, fmt.Errorf("unterminated feature call")
		}
		switch c := s[i]; {
		case c == ')':
			return args, i + 1, nil
		case c == '\'' || c == '"':
			text, n, err := scanString(s[i:])
			if err != nil {
				return nil, 0, err
			}
			args = append(args, arg{kind: argString, text: text})
			i += n
		default:
			j := i
			for j < len(s) && s[j] != ',' && s[j] != ')' && !unicode.IsSpace(rune(s[j])) {
				j++
			}
			word := s[i:j]
			i = j
			switch word {
			case "None":
				args = append(args, arg{kind: argNone})
			case "True":
				args = append(args, arg{kind: argBool, value: 1})
			case "False":
				args = append(args, arg{kind: argBool, value: 0})
			default:
				v, err := strconv.Atoi(word)
				if err != nil {
					return nil, 0, fmt.Errorf("unsupported feature argument %q", word)
				}
				args = append(args, arg{kind: argNumber, value: v})
			}
		}
	}
}

func scanString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case quote:
			return b.String(), i + 1, nil
		case '\n':
			return "", 0, fmt.Errorf("newline in string literal")
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string literal")
}

func optionFromArgs(args []arg) (BuildOption, error) {
	if len(args) != 6 {
		return BuildOption{}, fmt.Errorf("feature expects 6 arguments, got %d", len(args))
	}
	for i := 0; i < 4; i++ {
		if args[i].kind != argString {
			return BuildOption{}, fmt.Errorf("feature argument %d must be a string", i+1)
		}
	}
	if args[4].kind != argNumber && args[4].kind != argBool {
		return BuildOption{}, fmt.Errorf("feature default must be a number")
	}
	opt := BuildOption{
		Category:    args[0].text,
		Label:       args[1].text,
		Define:      args[2].text,
		Description: args[3].text,
		Default:     args[4].value,
	}
	switch args[5].kind {
	case argString:
		opt.Dependency = args[5].text
	case argNone:
	default:
		return BuildOption{}, fmt.Errorf("feature dependency must be a string or None")
	}
	if opt.Define == "" {
		return BuildOption{}, fmt.Errorf("feature %q has an empty define", opt.Label)
	}
	return opt, nil
}
