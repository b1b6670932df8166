// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// The channel helpers (RequireReceive, RequireSend, RequireClosed)
// encapsulate the select-with-timeout safety valve so individual tests
// never hang forever on a channel that nothing writes to.
package testutil
