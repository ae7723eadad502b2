// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hashtree

import "fmt"

func errShortHashData(got int) error { return fmt.Errorf("hash data too short: %d bytes", got) }

func errBadLayerCount(got int) error { return fmt.Errorf("layer count %d out of range [1, 5]", got) }
