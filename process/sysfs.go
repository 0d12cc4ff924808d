package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var ErrNoSuchAttribute = errors.New("no such attribute")

// Sysfs reads and writes kernel attribute files below Root, which is "/" on
// a live system.
type Sysfs struct {
	Root string
}

func (s Sysfs) path(p string) string {
	if s.Root == "" || s.Root == "/" {
		return p
	}
	return filepath.Join(s.Root, p)
}

func (s Sysfs) Read(p string) (string, error) {
	data, err := os.ReadFile(s.path(p))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// Write only writes existing files, like the kernel attributes it targets.
func (s Sysfs) Write(p, value string) error {
	full := s.path(p)
	if _, err := os.Stat(full); err != nil {
		return fmt.Errorf("%w: %s", ErrNoSuchAttribute, p)
	}
	log.Debug().Str("path", p).Str("value", value).Msg("sysfs write")
	return os.WriteFile(full, []byte(value), 0644)
}

// Sysctl returns the current value of a sysctl key such as vm.nr_hugepages.
func (s Sysfs) Sysctl(key string) (string, error) {
	return s.Read("/proc/sys/" + strings.ReplaceAll(key, ".", "/"))
}

func (s Sysfs) SetSysctl(key, value string) error {
	return s.Write("/proc/sys/"+strings.ReplaceAll(key, ".", "/"), value)
}

// Ensure writes value only when the attribute currently differs. It
// reports whether a write happened.
func (s Sysfs) Ensure(p, value string) (bool, error) {
	cur, err := s.Read(p)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrNoSuchAttribute, p)
	}
	// bonding attributes read back as "<name> <number>"
	if f := strings.Fields(cur); cur == value || (len(f) == 2 && f[0] == value) {
		return false, nil
	}
	return true, s.Write(p, value)
}
