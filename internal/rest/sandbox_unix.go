// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

//go:build !windows

package rest

import (
	"fmt"
	"io"
	"os"
	"syscall"
)

// Confinement for the segmentation server. Job files, calibration images
// and sparse output named in requests resolve inside Root once applied.
type Sandbox struct {
	Root string // chroot directory, empty keeps the filesystem root
	UID  int    // user id to drop to, negative keeps the user
}

// Enters Root (requires root privileges) and then drops to UID. The uid
// change comes last so the chroot can still be made.
func (sb Sandbox) Apply(logWriter io.Writer) error {
	if sb.Root != "" {
		if fi, err := os.Stat(sb.Root); err != nil {
			return err
		} else if !fi.IsDir() {
			return fmt.Errorf("sandbox root %s is not a directory", sb.Root)
		}
		fmt.Fprintf(logWriter, "# Serving jobs below %s\n", sb.Root)
		if err := syscall.Chroot(sb.Root); err != nil {
			return fmt.Errorf("chroot(%s): %w", sb.Root, err)
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("chdir(/): %w", err)
		}
	}
	if sb.UID < 0 {
		return nil
	}
	fmt.Fprintf(logWriter, "# Dropping user id %d to %d\n", syscall.Getuid(), sb.UID)
	if err := syscall.Setuid(sb.UID); err != nil {
		return fmt.Errorf("setuid(%d): %w", sb.UID, err)
	}
	if uid := syscall.Geteuid(); uid != sb.UID {
		return fmt.Errorf("still running as user %d after setuid(%d)", uid, sb.UID)
	}
	return nil
}
