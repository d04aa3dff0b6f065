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

package xserve

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	BindSchemeTcp  = "tcp"
	BindSchemeUnix = "unix"
)

// BindPointConfig represents where the serving core listens. A bind address is either `<interface>:<port>`,
// `tcp:<interface>:<port>` or `unix:<path>`.
type BindPointConfig struct {
	Scheme           string
	InterfaceAddress string //<interface>:<port> or a socket path
}

// ParseBindAddress splits a bind address into its scheme and scheme specific address. Addresses without a
// recognized scheme prefix are treated as tcp.
func ParseBindAddress(address string) *BindPointConfig {
	address = strings.TrimSpace(address)

	for _, scheme := range []string{BindSchemeTcp, BindSchemeUnix} {
		if prefix := scheme + ":"; strings.HasPrefix(address, prefix) {
			return &BindPointConfig{
				Scheme:           scheme,
				InterfaceAddress: strings.TrimPrefix(address, prefix),
			}
		}
	}

	return &BindPointConfig{
		Scheme:           BindSchemeTcp,
		InterfaceAddress: address,
	}
}

// String renders the bind point back to its configuration form.
func (bindPoint *BindPointConfig) String() string {
	return bindPoint.Scheme + ":" + bindPoint.InterfaceAddress
}

// Validate this configuration object.
func (bindPoint *BindPointConfig) Validate() error {
	switch bindPoint.Scheme {
	case BindSchemeTcp:
		if err := validateHostPort(bindPoint.InterfaceAddress); err != nil {
			return fmt.Errorf("invalid interface address [%s]: %v", bindPoint.InterfaceAddress, err)
		}
	case BindSchemeUnix:
		if strings.TrimSpace(bindPoint.InterfaceAddress) == "" {
			return errors.New("unix socket path must not be empty")
		}
	default:
		return fmt.Errorf("unsupported bind scheme [%s]", bindPoint.Scheme)
	}

	return nil
}

func validateHostPort(address string) error {
	address = strings.TrimSpace(address)

	if address == "" {
		return errors.New("must not be an empty string or unspecified")
	}

	host, port, err := net.SplitHostPort(address)

	if err != nil {
		return errors.Errorf("could not split host and port: %v", err)
	}

	if host == "" {
		return errors.New("host must be specified")
	}

	if port == "" {
		return errors.New("port must be specified")
	}

	// port 0 asks the operating system for an ephemeral port
	if port, err := strconv.ParseInt(port, 10, 32); err != nil {
		return errors.New("invalid port, must be a integer")
	} else if port < 0 || port > 65535 {
		return errors.New("invalid port, must 0-65535")
	}

	return nil
}
