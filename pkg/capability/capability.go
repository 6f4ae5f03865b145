// Package capability decides whether a feature is usable for a given pair of
// driver and server versions. Versions compare as ordered (major, minor)
// pairs, never as floats or strings: 18.3 is newer than 18.10 is false, and
// 9.2 is older than 10.0.
package capability

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/jstaube/pgrig/pkg/dberr"
)

type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0, or 1 ordering v against o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		if v.Major < o.Major {
			return -1
		}
		return 1
	case v.Minor != o.Minor:
		if v.Minor < o.Minor {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

func (v Version) AtLeast(o Version) bool {
	return v.Compare(o) >= 0
}

func (v Version) IsZero() bool {
	return v == Version{}
}

// Parse reads a version out of strings like "16.4",
// "16.4 (Debian 16.4-1.pgdg120+1)", "17beta1", or "18.3.2.0". Anything after
// the first space is dropped; components past the minor are ignored;
// non-digit suffixes end a component.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return Version{}, fmt.Errorf("empty version string")
	}
	parts := strings.SplitN(s, ".", 3)
	major, ok := leadingInt(parts[0])
	if !ok {
		return Version{}, fmt.Errorf("unparseable version %q", s)
	}
	var minor int
	if len(parts) > 1 {
		// A bare suffix like "4-1.pgdg" still yields 4.
		minor, _ = leadingInt(parts[1])
	}
	return Version{Major: major, Minor: minor}, nil
}

func leadingInt(s string) (int, bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, false
	}
	return n, true
}

// protocolBreak marks the document wire format split: backends newer than
// this cannot serve clients older than it, whatever the feature minimums say.
var protocolBreak = Version{Major: 20, Minor: 1}

// Requirement is the minimum driver and server versions a feature needs.
type Requirement struct {
	MinClient Version
	MinServer Version
}

// Supported reports whether the client/server pair clears both minimums.
// A server past the protocol break paired with a client before it is always
// unsupported.
func (r Requirement) Supported(client, server Version) bool {
	if !client.AtLeast(r.MinClient) || !server.AtLeast(r.MinServer) {
		return false
	}
	if protocolBreak.Less(server) && client.Less(protocolBreak) {
		return false
	}
	return true
}

// Check is Supported returning a classified error instead of false.
func (r Requirement) Check(client, server Version) error {
	if r.Supported(client, server) {
		return nil
	}
	return dberr.Newf(dberr.KindUnsupported, "capability",
		"client %s with server %s does not satisfy client >= %s, server >= %s",
		client, server, r.MinClient, r.MinServer)
}

const driverModule = "github.com/jackc/pgx/v5"

var (
	driverOnce sync.Once
	driver     Version
)

// DriverVersion reports the version of the database driver linked into this
// binary, read once from build info. Binaries stripped of module info report
// the zero version.
func DriverVersion() Version {
	driverOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, dep := range info.Deps {
			if dep.Path != driverModule {
				continue
			}
			v, err := Parse(strings.TrimPrefix(dep.Version, "v"))
			if err == nil {
				driver = v
			}
			return
		}
	})
	return driver
}
