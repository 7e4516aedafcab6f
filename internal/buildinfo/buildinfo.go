// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import "fmt"

// Version is set during build via ldflags: -X .../internal/buildinfo.Version=v1.2.3
var Version = "dev"

// UserAgent identifies questarr in outbound HTTP requests.
var UserAgent = fmt.Sprintf("questarr/%s", Version)
