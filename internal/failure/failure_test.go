package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("apply bridge: %w", Config([]string{"interfaces", "bridge", "br0"}, "bridge %s has no members", "br0"))
	if KindOf(err) != KindConfig {
		t.Fatalf("KindOf = %v, want ConfigError", KindOf(err))
	}
	if PathOf(err) != "interfaces bridge br0" {
		t.Fatalf("PathOf = %q", PathOf(err))
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("plain errors must be internal")
	}
}

func TestIsSentinel(t *testing.T) {
	err := fmt.Errorf("restart: %w", CommitInProgress("commit in progress"))
	if !errors.Is(err, ErrCommitInProgress) {
		t.Fatal("expected errors.Is to match the CommitInProgress sentinel")
	}
	if errors.Is(err, ErrConfig) {
		t.Fatal("kinds must not cross-match")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		operational bool
		want        int
	}{
		{"ok", nil, false, 0},
		{"config error", Config(nil, "bad"), false, 1},
		{"unconfigured in commit", UnconfiguredSubsystem("x"), false, 1},
		{"unconfigured op", UnconfiguredSubsystem("WAN load balancing is not configured"), true, 255},
		{"incorrect value op", IncorrectValue("bad"), true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err, tt.operational); got != tt.want {
				t.Fatalf("ExitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInternalUnwrap(t *testing.T) {
	base := errors.New("exit status 2")
	err := Internal(base, "nft failed")
	if !errors.Is(err, base) {
		t.Fatal("Internal must wrap the cause")
	}
	if err.Error() != "nft failed: exit status 2" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
