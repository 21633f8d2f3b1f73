// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge wires linkbridge together. It loads the config and the
// bootstrap credentials, pre-populates the router's caches with the admin
// account, connects the bot and runs the router loop until shutdown.
//
// An optional read-only admin API serves the current identity links as
// JSON on GET /api/links.
package bridge
