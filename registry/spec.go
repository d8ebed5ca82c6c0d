package registry

import (
	"strconv"
	"strings"

	finitErrors "finit-go/errors"
	"finit-go/sysstate"
)

// ParsedSpec is the result of tokenizing a registration spec string:
//
//	[2345]<pid/foo,net/up>name:sshd pid:/run/sshd.pid cgroup.net /usr/sbin/sshd -D
//
// Optional runlevel mask in brackets, optional condition list in angle
// brackets, optional key:value options and a cgroup.NAME token, followed by
// the executable and its arguments.
type ParsedSpec struct {
	Mask       sysstate.Mask
	HasMask    bool
	Conditions []string
	Options    map[string]string
	CgroupName string
	Command    string
	Args       []string
}

// ParseSpec tokenizes a single registration spec string. Malformed specs
// are rejected with a KindConfig error and leave the caller's registry
// state untouched.
func ParseSpec(spec string) (*ParsedSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, finitErrors.ErrEmptySpec
	}

	ps := &ParsedSpec{Options: make(map[string]string)}
	rest := spec

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, finitErrors.WrapDetail(nil, finitErrors.KindConfig, "parse spec", "unterminated runlevel mask")
		}
		mask, err := parseMaskDigits(rest[1:end])
		if err != nil {
			return nil, finitErrors.WrapDetail(err, finitErrors.KindConfig, "parse spec", "invalid runlevel mask")
		}
		ps.Mask = mask
		ps.HasMask = true
		rest = strings.TrimSpace(rest[end+1:])
	}

	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return nil, finitErrors.WrapDetail(nil, finitErrors.KindConfig, "parse spec", "unterminated condition list")
		}
		for _, c := range strings.Split(rest[1:end], ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				ps.Conditions = append(ps.Conditions, c)
			}
		}
		rest = strings.TrimSpace(rest[end+1:])
	}

	fields := strings.Fields(rest)
	cmdIdx := len(fields)
	for i, f := range fields {
		switch {
		case strings.HasPrefix(f, "cgroup."):
			ps.CgroupName = strings.TrimPrefix(f, "cgroup.")
		case strings.Contains(f, ":") && looksLikeOption(f):
			kv := strings.SplitN(f, ":", 2)
			ps.Options[kv[0]] = kv[1]
		default:
			// First field that isn't a recognised option token is the
			// executable; everything after is arguments.
			cmdIdx = i
		}
		if cmdIdx != len(fields) {
			break
		}
	}

	if cmdIdx >= len(fields) {
		return nil, finitErrors.ErrMalformedSpec
	}
	ps.Command = fields[cmdIdx]
	ps.Args = append([]string{}, fields[cmdIdx+1:]...)
	return ps, nil
}

// looksLikeOption distinguishes a key:value option token from an argument
// that merely happens to contain a colon (e.g. a URL passed to a service).
// Only option tokens with a known key are treated as options; any other
// colon-bearing token falls through to "this is the command".
func looksLikeOption(f string) bool {
	key := f[:strings.IndexByte(f, ':')]
	switch key {
	case "name", "pid", "user", "dir":
		return true
	default:
		return false
	}
}

// parseMaskDigits parses the digit string inside a runlevel bracket, e.g.
// "2345", into a Mask. "S" (the bootstrap level) is accepted but sets no
// bit, so "[S]" yields an empty mask; any other non-digit is an error.
func parseMaskDigits(digits string) (sysstate.Mask, error) {
	var m sysstate.Mask
	if digits == "" {
		return 0, strconvErr("empty runlevel mask")
	}
	for _, r := range digits {
		if r == 'S' || r == 's' {
			continue
		}
		if r < '0' || r > '9' {
			return 0, strconvErr("non-digit in runlevel mask: " + string(r))
		}
		lvl, _ := strconv.Atoi(string(r))
		m |= sysstate.Bit(lvl)
	}
	return m, nil
}

type strconvErr string

func (e strconvErr) Error() string { return string(e) }
