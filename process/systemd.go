package process

import (
	"context"
	"fmt"
)

// Systemctl issues unit actions: start, stop, reload, restart,
// reload-or-restart, daemon-reload (unit ignored).
func (a *Adapter) Systemctl(ctx context.Context, action, unit string) error {
	line := "systemctl " + action
	if action != "daemon-reload" {
		line += " " + unit
	}
	_, err := a.Cmd(ctx, line, nil)
	return err
}

func (a *Adapter) unitProperty(ctx context.Context, unit, prop string) string {
	out, rc, err := a.Popen(ctx, fmt.Sprintf("systemctl show --value -p %s %s", prop, unit))
	if err != nil || rc != 0 {
		return ""
	}
	return out
}

// IsServiceActive reports ActiveState == active.
func (a *Adapter) IsServiceActive(ctx context.Context, unit string) bool {
	return a.unitProperty(ctx, unit, "ActiveState") == "active"
}

// IsServiceRunning reports SubState == running.
func (a *Adapter) IsServiceRunning(ctx context.Context, unit string) bool {
	return a.unitProperty(ctx, unit, "SubState") == "running"
}

// ReloadOrRestart reloads a running unit and starts it otherwise. When
// restart is true the unit is always restarted.
func (a *Adapter) ReloadOrRestart(ctx context.Context, unit string, restart bool) error {
	if restart {
		return a.Systemctl(ctx, "restart", unit)
	}
	return a.Systemctl(ctx, "reload-or-restart", unit)
}
