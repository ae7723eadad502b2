// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crypto

import "fmt"

func errInvalidKeyLen(n int) error { return fmt.Errorf("invalid key length %d, want 16", n) }
func errBadBlockLen(n int) error   { return fmt.Errorf("buffer length %d is not a multiple of the block size", n) }
func errBadSectorSize(n int) error { return fmt.Errorf("unsupported XTS sector size %d, want %d", n, XTSSectorSize) }
