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

package rest

import (
	"fmt"
	"io"
)

// Confinement for the segmentation server. Not supported on Windows.
type Sandbox struct {
	Root string
	UID  int
}

// Refuses a requested root or uid change rather than serving unconfined
func (sb Sandbox) Apply(logWriter io.Writer) error {
	if sb.Root != "" || sb.UID >= 0 {
		return fmt.Errorf("sandbox root %q uid %d requested, not supported on windows", sb.Root, sb.UID)
	}
	return nil
}
