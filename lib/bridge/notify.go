/*
Copyright 2024 Patze, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bridge

import (
	"context"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notifyReady tells systemd the bridge is serving. Outside a unit with
// NOTIFY_SOCKET this is a no-op.
func (b *Bridge) notifyReady() {
	ok, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		b.log.WithError(err).Debug("Cannot notify systemd.")
		return
	}
	if ok {
		b.log.Debug("Told systemd the bridge is ready.")
	}
}

// watchdogLoop feeds the systemd watchdog at half the configured
// interval. It returns right away when no watchdog is armed, which is
// every run outside a WatchdogSec unit.
func (b *Bridge) watchdogLoop(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		b.log.WithError(err).Debug("Cannot read the watchdog configuration.")
		return nil
	}
	if interval <= 0 {
		return nil
	}

	ticker := b.cfg.Clock.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			daemon.SdNotify(false, daemon.SdNotifyStopping)
			return nil
		case <-ticker.Chan():
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				b.log.WithError(err).Debug("Cannot feed the watchdog.")
			}
		}
	}
}
