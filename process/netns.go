package process

import (
	"fmt"

	"github.com/vishvananda/netns"
)

// NetnsExists reports whether the named network namespace is present.
func NetnsExists(name string) bool {
	h, err := netns.GetFromName(name)
	if err != nil {
		return false
	}
	_ = h.Close()
	return true
}

// RequireNetns fails when the namespace is missing, before a wrapped command
// would fail with a less helpful message.
func RequireNetns(name string) error {
	if name == "" || NetnsExists(name) {
		return nil
	}
	return fmt.Errorf("network namespace %q does not exist", name)
}
