/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

//go:build !windows

package xserve

import (
	"os"
	"syscall"
)

// signalCommands maps process signals to lifecycle commands. SIGQUIT stops without a grace period.
var signalCommands = map[os.Signal]Command{
	syscall.SIGTERM: {Kind: CommandStop},
	syscall.SIGINT:  {Kind: CommandStop},
	syscall.SIGQUIT: {Kind: CommandStop, HasGrace: true},
	syscall.SIGHUP:  {Kind: CommandReload},
	syscall.SIGTTIN: {Kind: CommandIncrease},
	syscall.SIGTTOU: {Kind: CommandDecrease},
}
