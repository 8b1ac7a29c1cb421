// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"os"

	"sentryproxy.dev/sentryproxy/cmd"
)

func main() {
	_ = cmd.SetProcessName("sentry-agent") // best-effort, only affects `ps` output
	cmd.RunAgent(os.Args[1:])
}
